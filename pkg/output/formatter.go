package output

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

func PrintSuccess(msg string) {
	color.Green(msg)
}

func PrintError(msg string) error {
	color.Red("❌ " + msg)
	return fmt.Errorf("%s", msg)
}

func PrintInfo(msg string) {
	color.Cyan(msg)
}

// ServerStatus mirrors the /__tunnel__/status response.
type ServerStatus struct {
	ActiveTunnels int `json:"activeTunnels"`
	Tunnels       []struct {
		Subdomain       string `json:"subdomain"`
		CreatedAt       int64  `json:"createdAt"`
		PendingRequests int    `json:"pendingRequests"`
	} `json:"tunnels"`
}

func PrintStatus(st *ServerStatus, format string) {
	if format == "json" {
		data, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(data))
		return
	}

	fmt.Printf("Active tunnels: %d\n", st.ActiveTunnels)
	if len(st.Tunnels) == 0 {
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Subdomain", "Created", "Pending"})
	for _, t := range st.Tunnels {
		created := time.UnixMilli(t.CreatedAt).Format("2006-01-02 15:04:05")
		table.Append([]string{t.Subdomain, created, fmt.Sprintf("%d", t.PendingRequests)})
	}
	table.Render()
}

// PrintRequest renders one completed request as a log line, colored by
// status class.
func PrintRequest(method, path, class string, status int, duration time.Duration) {
	line := fmt.Sprintf("%-4s %-40s %3d  %s  %s", method, truncate(path, 40), status, duration.Round(time.Millisecond), class)
	switch {
	case status >= 500:
		color.Red(line)
	case status >= 400:
		color.Yellow(line)
	default:
		fmt.Println(line)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
