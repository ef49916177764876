package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/raka/chatpool/internal/config"
	"github.com/raka/chatpool/pkg/pool"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool status",
	Long:  `Query a running chatpool service and print its pool status.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/status", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Println("Status: not running")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status from service: %s", resp.Status)
	}

	var status pool.PoolStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode status: %w", err)
	}

	fmt.Println("Status: running")
	fmt.Printf("Sessions: %d/%d (idle %d, busy %d, unhealthy %d)\n",
		status.PoolSize, status.MaxPoolSize,
		status.Health.Idle, status.Health.Busy, status.Health.Unhealthy)
	fmt.Printf("Queue: %d waiting\n", status.QueueLength)
	fmt.Printf("Requests: %d total, %d ok, %d failed\n",
		status.Stats.Total, status.Stats.Succeeded, status.Stats.Failed)
	fmt.Printf("Avg latency: %.0fms\n", status.Stats.AvgLatencyMs)
	fmt.Printf("Sessions created: %d, rotated: %d\n",
		status.Stats.SessionsCreated, status.Stats.SessionsRotated)

	for _, s := range status.Sessions {
		fmt.Printf("  %s  %-16s requests=%d errors=%d age=%s\n",
			s.ID, s.Status, s.RequestCount, s.ErrorCount,
			formatDuration(time.Since(s.CreatedAt)))
	}

	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
