package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"grimm.is/bastion/internal/manager"
)

// RunStatus queries a running instance's admin API and prints the composite
// engine status and aggregated counters.
func RunStatus(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	var status manager.Status
	if err := getJSON(client, "http://"+addr+"/api/v1/status", &status); err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	var stats manager.Stats
	if err := getJSON(client, "http://"+addr+"/api/v1/stats", &stats); err != nil {
		return fmt.Errorf("query stats: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENGINE\tENABLED\tHEALTHY\tDETAIL")
	printEngine(w, "boot-verify", status.BootVerify)
	printEngine(w, "firewall", status.Firewall)
	printEngine(w, "ids", status.IDS)
	printEngine(w, "vpn", status.VPN)
	w.Flush()

	fmt.Printf("\nPackets evaluated: %d (denied %d, throttled %d)\n",
		stats.Firewall.PacketsEvaluated, stats.Firewall.PacketsDenied, stats.Firewall.PacketsThrottled)
	fmt.Printf("Intrusion events:  %d\n", stats.IDS.EventsDetected)
	fmt.Printf("Active tunnels:    %d (degraded %d)\n", stats.VPN.TunnelsActive, stats.VPN.TunnelsDegraded)
	fmt.Printf("Violations logged: %d\n", stats.Violations)
	return nil
}

func printEngine(w *tabwriter.Writer, name string, s manager.EngineStatus) {
	detail := s.Detail
	if s.Degraded {
		detail = "degraded; " + detail
	}
	fmt.Fprintf(w, "%s\t%v\t%v\t%s\n", name, s.Enabled, s.Healthy, detail)
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
