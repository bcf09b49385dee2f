package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"retrace/internal/buffer"
	"retrace/internal/catalog"
	"retrace/internal/logging"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var recentLimit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show agent, buffer, and chunk history status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out := cmd.OutOrStdout()
			pretty := isatty.IsTerminal(os.Stdout.Fd())

			running, pid := agentRunning(filepath.Join(cfg.Paths.LogDir, "retrace.pid"))
			depth, size := bufferStats(cfg.Paths.BufferDir)

			if pretty {
				rows := [][]string{
					{"Agent", runStateLabel(running, pid)},
					{"Buffer items", strconv.Itoa(depth)},
					{"Buffer size", formatBytes(size)},
				}
				fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignLeft}))
			} else {
				fmt.Fprintf(out, "agent_running=%t\n", running)
				if running {
					fmt.Fprintf(out, "agent_pid=%d\n", pid)
				}
				fmt.Fprintf(out, "buffer_items=%d\n", depth)
				fmt.Fprintf(out, "buffer_bytes=%d\n", size)
			}

			return printChunkHistory(out, cfg.Paths.LogDir, recentLimit, pretty)
		},
	}

	cmd.Flags().IntVar(&recentLimit, "recent", 10, "Number of recent chunks to list")
	return cmd
}

// agentRunning reads the pid file and probes the process with a null signal.
func agentRunning(pidPath string) (bool, int) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false, 0
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return false, pid
	}
	return true, pid
}

func runStateLabel(running bool, pid int) string {
	if running {
		return fmt.Sprintf("running (pid %d)", pid)
	}
	return "stopped"
}

func bufferStats(dir string) (int, int64) {
	local, err := buffer.NewLocalBuffer(dir, logging.NewNop())
	if err != nil {
		return 0, 0
	}
	depth, _ := local.Count()
	size, _ := local.TotalSize()
	return depth, size
}

func printChunkHistory(out io.Writer, logDir string, limit int, pretty bool) error {
	store, err := catalog.Open(logDir)
	if err != nil {
		fmt.Fprintf(out, "chunk history unavailable: %v\n", err)
		return nil
	}
	defer store.Close()

	total, uploaded, err := store.Counts()
	if err != nil {
		return fmt.Errorf("read chunk counts: %w", err)
	}
	chunks, err := store.RecentChunks(limit)
	if err != nil {
		return fmt.Errorf("read recent chunks: %w", err)
	}

	if !pretty {
		fmt.Fprintf(out, "chunks_total=%d\n", total)
		fmt.Fprintf(out, "chunks_uploaded=%d\n", uploaded)
		for _, chunk := range chunks {
			fmt.Fprintf(out, "chunk id=%s kind=%s source=%s size=%d uploaded=%t\n",
				chunk.ID, chunk.Kind, chunk.Source, chunk.Size, chunk.UploadedAt != nil)
		}
		return nil
	}

	fmt.Fprintf(out, "Chunks: %d recorded, %d uploaded\n", total, uploaded)
	if len(chunks) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(chunks))
	for _, chunk := range chunks {
		uploadedLabel := "pending"
		if chunk.UploadedAt != nil {
			uploadedLabel = chunk.UploadedAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{
			chunk.ID,
			chunk.Kind,
			chunk.Source,
			formatBytes(chunk.Size),
			chunk.EndedAt.Local().Format(time.DateTime),
			uploadedLabel,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"ID", "Kind", "Source", "Size", "Ended", "Uploaded"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	))
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
