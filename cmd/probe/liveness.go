package probe

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/SafeMPC/threshold-coordinator/internal/config"
	"github.com/spf13/cobra"
)

func newLiveness() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "liveness",
		Short: "Checks whether the server process is alive",
		Run: func(cmd *cobra.Command, args []string) {
			verbose, _ := cmd.Flags().GetBool(verboseFlag)
			runProbe("/-/healthy", verbose)
		},
	}
	cmd.Flags().BoolP(verboseFlag, "v", false, "print the probe response body")
	return cmd
}

// runProbe 容器健康检查入口：非 0 退出码即探针失败
func runProbe(path string, verbose bool) {
	cfg := config.DefaultServiceConfigFromEnv()

	addr := cfg.Echo.ListenAddress
	if addr != "" && addr[0] == ':' {
		addr = "127.0.0.1" + addr
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if verbose {
		fmt.Printf("GET %s -> %d\n", path, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
	os.Exit(0)
}
