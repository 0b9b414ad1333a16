package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/chatrelay/internal/api"
	"github.com/kalambet/chatrelay/internal/config"
	"github.com/kalambet/chatrelay/internal/push"
)

// readPayload returns the argument, or stdin when the argument is "-".
func readPayload(cmd *cobra.Command, arg string) ([]byte, error) {
	if arg != "-" {
		return []byte(arg), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return data, nil
}

// --- sync ---

type syncReport struct {
	Sync struct {
		Tag   string `json:"tag"`
		Drain *struct {
			Attempted int              `json:"attempted"`
			Delivered int              `json:"delivered"`
			Failed    map[int64]string `json:"failed"`
		} `json:"drain"`
		ContactsSynced bool     `json:"contactsSynced"`
		Polled         bool     `json:"polled"`
		Unread         int      `json:"unread"`
		Notified       bool     `json:"notified"`
		Errors         []string `json:"errors"`
	} `json:"sync"`
	Error string `json:"error"`
}

var syncCmd = &cobra.Command{
	Use:   "sync <tag>",
	Short: "Deliver a sync tag to the running relay",
	Long: `Deliver a sync tag to the running relay, as the host does when
connectivity returns.

Examples:
  chatrelay sync sync-messages   # replay the outbox
  chatrelay sync sync-contacts   # refresh contacts
  chatrelay sync daily-sync      # both, plus a new-message poll`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/__relay/sync/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return err
		}

		var rep syncReport
		if err := decodeJSON(resp, &rep); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if d := rep.Sync.Drain; d != nil {
			fmt.Fprintf(out, "outbox: %d attempted, %d delivered\n", d.Attempted, d.Delivered)
			for id, msg := range d.Failed {
				fmt.Fprintf(out, "  %s %s\n", colorize(colorYellow, fmt.Sprintf("#%d", id)), msg)
			}
		}
		if rep.Sync.ContactsSynced {
			fmt.Fprintln(out, "contacts: synced")
		}
		if rep.Sync.Polled {
			fmt.Fprintf(out, "messages: %d unread\n", rep.Sync.Unread)
		}
		for _, e := range rep.Sync.Errors {
			printWarning("%s", e)
		}
		printSuccess("Sync %s finished", rep.Sync.Tag)
		return nil
	},
}

// --- outbox ---

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect or add to the offline outbox",
}

type outboxItem struct {
	ID             int64           `json:"id"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"lastError"`
	CreatedAt      string          `json:"createdAt"`
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued messages, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/__relay/outbox")
		if err != nil {
			return err
		}

		var items []outboxItem
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(items) == 0 {
			fmt.Fprintln(out, "Outbox is empty.")
			return nil
		}
		for _, it := range items {
			payload := string(it.Payload)
			if len(payload) > 80 {
				payload = payload[:80] + "..."
			}
			fmt.Fprintf(out, "%s  %s  attempts=%d  %s\n",
				colorize(colorCyan, fmt.Sprintf("#%d", it.ID)),
				it.CreatedAt,
				it.Attempts,
				payload,
			)
			if it.LastError != "" {
				fmt.Fprintf(out, "    last error: %s\n", it.LastError)
			}
		}
		return nil
	},
}

var outboxAddCmd = &cobra.Command{
	Use:   "add <json|->",
	Short: "Queue a message payload for delivery on the next sync",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(cmd, args[0])
		if err != nil {
			return err
		}
		if !json.Valid(payload) {
			return errors.New("payload must be valid JSON")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/__relay/outbox", payload)
		if err != nil {
			return err
		}

		var item outboxItem
		if err := decodeJSON(resp, &item); err != nil {
			return err
		}
		printSuccess("Queued #%d (key %s)", item.ID, item.IdempotencyKey)
		return nil
	},
}

func init() {
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxAddCmd)
}

// --- push ---

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Decode or deliver push payloads",
}

var pushDecodeCmd = &cobra.Command{
	Use:   "decode <payload|->",
	Short: "Show the notification a payload decodes to (offline, nothing is displayed)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(cmd, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), push.Decode(payload))
	},
}

var pushSendCmd = &cobra.Command{
	Use:   "send <payload|->",
	Short: "Deliver a payload to the running relay as if from the push gateway",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(cmd, args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/__relay/push", payload)
		if err != nil {
			return err
		}

		var n push.Notification
		if err := decodeJSON(resp, &n); err != nil {
			return err
		}
		printSuccess("Displayed %q (tag %s)", n.Title, n.Tag)
		return nil
	},
}

func init() {
	pushCmd.AddCommand(pushDecodeCmd)
	pushCmd.AddCommand(pushSendCmd)
}

// --- caches ---

var cachesCmd = &cobra.Command{
	Use:   "caches",
	Short: "List cache namespaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/__relay/caches")
		if err != nil {
			return err
		}

		var infos []api.CacheInfo
		if err := decodeJSON(resp, &infos); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(infos) == 0 {
			fmt.Fprintln(out, "No cache namespaces.")
			return nil
		}
		for _, in := range infos {
			mark := "stale"
			if in.Current {
				mark = "current"
			}
			fmt.Fprintf(out, "%s  %-8s %-7s %d entries\n", colorize(colorBold, in.Name), in.Purpose, mark, in.Entries)
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			line := fmt.Sprintf("  %s = %s", colorize(colorBold, k.Key), k.Value)
			switch k.Source {
			case config.SourceEnv:
				line += colorize(colorYellow, "  (from "+k.EnvVar+")")
			case config.SourceStored:
				line += colorize(colorCyan, "  (stored)")
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		if strings.HasPrefix(key, "cache.") || strings.HasPrefix(key, "server.") {
			printHint("restart the relay for the change to take effect")
		}
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a stored value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
