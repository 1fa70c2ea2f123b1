package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/davarch/ci-promoter/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var cancelServer string

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run executing in a ci-promoter server",
	Long: "Cancel a run executing in a ci-promoter server. A run cancelled " +
		"before it reached promoting never changes production.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base := cancelServer
		if base == "" {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			base = serverURL(cfg.Server.Addr)
		}

		url := strings.TrimRight(base, "/") + "/runs/" + args[0] + "/cancel"
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
		if err != nil {
			return err
		}
		hc := &http.Client{Timeout: 10 * time.Second}
		resp, err := hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusNoContent {
			fmt.Printf("cancelled: %s\n", args[0])
			return nil
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &msg) == nil && msg.Message != "" {
			return errors.New(msg.Message)
		}
		return fmt.Errorf("cancel %s: status %d", args[0], resp.StatusCode)
	},
}

func init() {
	cancelCmd.Flags().StringVar(&cancelServer, "server", "", "server base URL (defaults to server.addr on localhost)")

	rootCmd.AddCommand(cancelCmd)
}

func serverURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	if strings.Contains(addr, "://") {
		return addr
	}
	return "http://" + addr
}
