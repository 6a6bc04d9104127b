package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronod/chronod/internal/engine"
	"github.com/chronod/chronod/pkg/protocol"
)

func statusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()

			var result struct {
				Engine  engine.Status `json:"engine"`
				Clients int           `json:"clients"`
			}
			if rpc(cfg, protocol.MethodEngineStatus, nil, &result) {
				if jsonOutput {
					printJSON(result)
					return
				}
				fmt.Printf("Engine:      running\n")
				fmt.Printf("Jobs:        %d (%d enabled)\n", result.Engine.TotalJobs, result.Engine.EnabledJobs)
				fmt.Printf("Running now: %d\n", result.Engine.RunningJobs)
				fmt.Printf("Uptime:      %s\n", (time.Duration(result.Engine.UptimeSeconds) * time.Second).String())
				fmt.Printf("Clients:     %d\n", result.Clients)
				return
			}

			// No server; report what the database alone can tell.
			st := openStore(cfg)
			defer st.Close()
			total, enabled, err := st.CountJobs()
			if err != nil {
				fatalf("%s", err)
			}
			if jsonOutput {
				printJSON(map[string]interface{}{
					"engine": engine.Status{TotalJobs: total, EnabledJobs: enabled},
				})
				return
			}
			fmt.Printf("Engine:      not running\n")
			fmt.Printf("Jobs:        %d (%d enabled)\n", total, enabled)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream engine events until interrupted",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			client, err := dialGateway(cfg)
			if err != nil {
				fatalf("%s", err)
			}
			if client == nil {
				fatalf("no running server at %s; start one with 'chronod serve'", cfg.GatewayAddr)
			}
			defer client.Close()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt)
			go func() {
				<-stop
				client.Close()
			}()

			for {
				client.conn.SetReadDeadline(time.Time{})
				_, data, err := client.conn.ReadMessage()
				if err != nil {
					return
				}
				frameType, err := protocol.ParseFrameType(data)
				if err != nil || frameType != protocol.FrameTypeEvent {
					continue
				}
				var frame struct {
					Payload json.RawMessage `json:"payload"`
					Seq     int64           `json:"seq"`
				}
				if err := json.Unmarshal(data, &frame); err != nil {
					continue
				}
				fmt.Printf("%s\n", frame.Payload)
			}
		},
	}
}
