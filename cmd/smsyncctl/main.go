package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pastoralhq/smsync/internal/bus"
	"github.com/pastoralhq/smsync/internal/config"
	"github.com/pastoralhq/smsync/internal/conversation"
	"github.com/pastoralhq/smsync/internal/gateway"
	"github.com/pastoralhq/smsync/internal/ledger"
	"github.com/pastoralhq/smsync/internal/message"
	"github.com/pastoralhq/smsync/internal/payment"
	"github.com/pastoralhq/smsync/internal/send"
	"github.com/pastoralhq/smsync/internal/store"
	"github.com/pastoralhq/smsync/internal/tenant"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ctl bundles everything a subcommand needs.
type ctl struct {
	tenant string
	cfg    *config.Config
	db     *store.DB
	ledger *ledger.Ledger
	logger *zap.Logger
}

func main() {
	tenantFlag := flag.String("tenant", "", "tenant name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	tenantName := tenant.Resolve(*tenantFlag)
	if err := tenant.ValidateName(tenantName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := newCtl(tenantName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = c.db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	switch args[0] {
	case "balance":
		c.cmdBalance(*jsonFlag)
	case "allowance":
		c.cmdAllowance(*jsonFlag)
	case "recharge":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: smsyncctl recharge <amount> <payment-method-ref>")
			os.Exit(1)
		}
		c.cmdRecharge(ctx, args[1], args[2], *jsonFlag)
	case "transactions":
		c.cmdTransactions(*jsonFlag)
	case "conversations":
		c.cmdConversations(*jsonFlag)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: smsyncctl messages <conversation-key>")
			os.Exit(1)
		}
		c.cmdMessages(args[1], *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: smsyncctl send <phone-or-recipient-id> <body...>")
			os.Exit(1)
		}
		c.cmdSend(ctx, args[1], strings.Join(args[2:], " "), *jsonFlag)
	case "resolve":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: smsyncctl resolve <message-id> <sent|failed>")
			os.Exit(1)
		}
		c.cmdResolve(args[1], args[2])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func newCtl(tenantName string) (*ctl, error) {
	cfg, err := config.Load(tenant.ConfigPath())
	if err != nil {
		// Missing config is fine for local inspection; defaults apply.
		cfg = config.Default()
	}
	if err := tenant.EnsureDir(tenantName); err != nil {
		return nil, err
	}
	db, err := store.Open(tenant.DBPath(tenantName))
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger := zap.NewNop()
	b := bus.New()
	confirmer := payment.NewClient(cfg.Payment.BaseURL, cfg.PaymentTimeout())
	l := ledger.New(db, ledger.Opts{
		Tenant:          tenantName,
		CostPerMessage:  cfg.CostPerMessage(),
		MinimumRecharge: cfg.MinimumRecharge(),
		InitialBalance:  cfg.InitialBalance(),
	}, confirmer, b, logger)
	return &ctl{tenant: tenantName, cfg: cfg, db: db, ledger: l, logger: logger}, nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: smsyncctl [--tenant <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  balance                     Show account balance")
	fmt.Fprintln(os.Stderr, "  allowance                   Show how many messages the balance covers")
	fmt.Fprintln(os.Stderr, "  recharge <amount> <ref>     Recharge via the payment service")
	fmt.Fprintln(os.Stderr, "  transactions                List recent ledger entries")
	fmt.Fprintln(os.Stderr, "  conversations               List known conversations")
	fmt.Fprintln(os.Stderr, "  messages <key>              Show one conversation")
	fmt.Fprintln(os.Stderr, "  send <recipient> <body...>  Send one message")
	fmt.Fprintln(os.Stderr, "  resolve <msg-id> <status>   Resolve an ambiguous send after checking provider history")
}

func (c *ctl) cmdBalance(jsonOut bool) {
	acc, err := c.ledger.Account()
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(map[string]any{
			"tenant":        acc.Tenant,
			"balance":       acc.Balance.String(),
			"messages_sent": acc.MessagesSent,
			"total_spent":   acc.TotalSpent.String(),
			"last_updated":  acc.LastUpdated.Format(time.RFC3339),
		})
		return
	}
	fmt.Printf("Tenant:        %s\n", acc.Tenant)
	fmt.Printf("Balance:       $%s\n", acc.Balance.StringFixed(4))
	fmt.Printf("Messages sent: %d\n", acc.MessagesSent)
	fmt.Printf("Total spent:   $%s\n", acc.TotalSpent.StringFixed(4))
}

func (c *ctl) cmdAllowance(jsonOut bool) {
	acc, err := c.ledger.Account()
	if err != nil {
		fatal(err)
	}
	allowance := c.ledger.Allowance(acc.Balance)
	if jsonOut {
		outputJSON(map[string]any{
			"balance":          acc.Balance.String(),
			"cost_per_message": c.ledger.CostPerMessage().String(),
			"allowance":        allowance,
		})
		return
	}
	fmt.Printf("Balance $%s buys %d messages at $%s each\n",
		acc.Balance.StringFixed(4), allowance, c.ledger.CostPerMessage().String())
}

func (c *ctl) cmdRecharge(ctx context.Context, amountArg, methodRef string, jsonOut bool) {
	amount, err := decimal.NewFromString(amountArg)
	if err != nil {
		fatal(fmt.Errorf("bad amount %q: %w", amountArg, err))
	}
	acc, err := c.ledger.Recharge(ctx, amount, methodRef)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(map[string]any{"balance": acc.Balance.String()})
		return
	}
	fmt.Printf("Recharged. New balance: $%s\n", acc.Balance.StringFixed(4))
}

func (c *ctl) cmdTransactions(jsonOut bool) {
	txns, err := c.ledger.Transactions(50)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(txns)
		return
	}
	if len(txns) == 0 {
		fmt.Println("No transactions.")
		return
	}
	for _, t := range txns {
		fmt.Printf("%s  %-9s  $%-10s  %s -> %s\n",
			t.CreatedAt.Format(time.RFC3339), t.Type, t.Amount.String(),
			t.BalanceBefore.String(), t.BalanceAfter.String())
	}
}

func (c *ctl) cmdConversations(jsonOut bool) {
	summaries, err := c.db.ListConversations(c.tenant)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(summaries)
		return
	}
	if len(summaries) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, s := range summaries {
		fmt.Printf("%-20s %4d messages, last %s\n",
			s.Key, s.MessageCount, time.UnixMilli(s.LastMessageAt).Format(time.RFC3339))
	}
}

func (c *ctl) cmdMessages(key string, jsonOut bool) {
	records, err := c.db.QueryConversation(c.tenant, key, 0, 0)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(records)
		return
	}
	for _, r := range records {
		arrow := "<-"
		if r.Direction == string(message.Outbound) {
			arrow = "->"
		}
		fmt.Printf("%s %s [%s] %s\n",
			time.UnixMilli(r.OccurredAt).Format("2006-01-02 15:04"), arrow, r.Status, r.Body)
	}
}

func (c *ctl) cmdSend(ctx context.Context, recipient, body string, jsonOut bool) {
	b := bus.New()
	convo := conversation.NewStore(b, c.logger)
	gw := gateway.NewClient(c.cfg.Delivery.BaseURL, c.cfg.Delivery.APIKey, c.cfg.DeliveryTimeout(), c.logger)
	pipeline := send.NewPipeline(convo, c.db, gw, c.ledger, c.tenant,
		c.cfg.MinimumSendThreshold(), c.cfg.DeliveryTimeout(), b, c.logger)

	req := send.Request{Body: body}
	if strings.ContainsAny(recipient, "0123456789") && len(recipient) >= 10 {
		req.Phone = recipient
	} else {
		req.RecipientID = recipient
	}

	res, err := pipeline.Send(ctx, req)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(map[string]any{
			"client_message_id":   res.ClientMessageID,
			"provider_message_id": res.ProviderMessageID,
			"conversation_key":    res.ConversationKey,
			"status":              string(res.Status),
			"debited":             res.Debited,
		})
		return
	}
	fmt.Printf("Sent to %s (provider id %s, debited %v)\n",
		res.ConversationKey, res.ProviderMessageID, res.Debited)
}

// cmdResolve closes out a send whose outcome was unknown at delivery time.
// The operator checks the provider's history first; resolving to sent also
// applies the debit that was withheld.
func (c *ctl) cmdResolve(msgID, statusArg string) {
	st := message.Status(statusArg)
	if st != message.StatusSent && st != message.StatusFailed {
		fatal(fmt.Errorf("resolve status must be sent or failed, got %q", statusArg))
	}
	if err := c.db.UpdateStatus(c.tenant, msgID, string(st)); err != nil {
		fatal(err)
	}
	if st == message.StatusSent {
		acc, err := c.ledger.Deduct(1)
		if err != nil {
			fatal(fmt.Errorf("status updated but debit failed: %w", err))
		}
		fmt.Printf("Resolved %s as sent and debited. Balance: $%s\n", msgID, acc.Balance.StringFixed(4))
		return
	}
	fmt.Printf("Resolved %s as failed.\n", msgID)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
