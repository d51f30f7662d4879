package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/svettore/spoold/internal/cli/output"
)

var (
	statusOutput  string
	statusPidFile string
	statusAPIPort int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent status",
	Long: `Display the current status of the spoold agent.

This command checks the agent process, then queries the management API for
the pool's SPM role status.

Examples:
  # Check status (uses default settings)
  spoold status

  # Check status with custom API port
  spoold status --api-port 9680

  # Output as JSON
  spoold status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/spoold/spoold.pid)")
	statusCmd.Flags().IntVar(&statusAPIPort, "api-port", 8680, "API server port")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

// AgentStatus represents the agent status information.
type AgentStatus struct {
	Running       bool   `json:"running" yaml:"running"`
	PID           int    `json:"pid,omitempty" yaml:"pid,omitempty"`
	Message       string `json:"message" yaml:"message"`
	PoolID        string `json:"pool_id,omitempty" yaml:"pool_id,omitempty"`
	HostID        int    `json:"host_id,omitempty" yaml:"host_id,omitempty"`
	Role          string `json:"role,omitempty" yaml:"role,omitempty"`
	LeaseVersion  int64  `json:"lease_version,omitempty" yaml:"lease_version,omitempty"`
	MasterDomain  string `json:"master_domain,omitempty" yaml:"master_domain,omitempty"`
	MasterVersion int    `json:"master_version,omitempty" yaml:"master_version,omitempty"`
}

// spmStatusResponse mirrors the API's GET /api/v1/spm payload.
type spmStatusResponse struct {
	PoolID        string `json:"pool_id"`
	HostID        int    `json:"host_id"`
	Role          string `json:"role"`
	LeaseVersion  int64  `json:"lease_version"`
	MasterDomain  string `json:"master_domain"`
	MasterVersion int    `json:"master_version"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	status := AgentStatus{
		Running: false,
		Message: "Agent is not running",
	}

	pidPath := statusPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	// Check PID file first
	pidData, err := os.ReadFile(pidPath)
	if err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
		if err == nil {
			process, err := os.FindProcess(pid)
			if err == nil {
				// On Unix, FindProcess always succeeds, send signal 0 to check
				if err := process.Signal(syscall.Signal(0)); err == nil {
					status.Running = true
					status.PID = pid
				}
			}
		}
	}

	// Query the SPM role status (works for both daemon and foreground mode)
	statusURL := fmt.Sprintf("http://localhost:%d/api/v1/spm", statusAPIPort)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(statusURL)
	if err == nil {
		defer func() { _ = resp.Body.Close() }()

		var spm spmStatusResponse
		if resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&spm) == nil {
			status.Running = true
			status.PoolID = spm.PoolID
			status.HostID = spm.HostID
			status.Role = spm.Role
			status.LeaseVersion = spm.LeaseVersion
			status.MasterDomain = spm.MasterDomain
			status.MasterVersion = spm.MasterVersion
			status.Message = fmt.Sprintf("Agent is running, role %s", spm.Role)
		} else {
			status.Running = true
			status.Message = "Agent is running but the pool is not connected"
		}
	} else if status.Running {
		// PID file says running but the API is unreachable
		status.Message = "Agent process exists but the API is unreachable"
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, status)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, status)
	default:
		return printStatusTable(status)
	}
}

func printStatusTable(status AgentStatus) error {
	fmt.Println()
	fmt.Println("spoold Agent Status")
	fmt.Println("===================")
	fmt.Println()

	pairs := [][2]string{}
	if status.Running {
		pairs = append(pairs, [2]string{"Status", "Running"})
		if status.PID != 0 {
			pairs = append(pairs, [2]string{"PID", strconv.Itoa(status.PID)})
		}
		if status.Role != "" {
			pairs = append(pairs,
				[2]string{"Pool", status.PoolID},
				[2]string{"Host ID", strconv.Itoa(status.HostID)},
				[2]string{"Role", status.Role},
				[2]string{"Lease version", strconv.FormatInt(status.LeaseVersion, 10)},
				[2]string{"Master domain", status.MasterDomain},
				[2]string{"Master version", strconv.Itoa(status.MasterVersion)},
			)
		}
	} else {
		pairs = append(pairs, [2]string{"Status", "Stopped"})
	}

	if err := output.SimpleTable(os.Stdout, pairs); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("  %s\n", status.Message)
	fmt.Println()
	return nil
}
