package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/nblockio/actlog"
)

// inspector is an interactive REPL over a live Device, for prodding a
// running actlog core by hand the way sloty prods a slotcache file.
type inspector struct {
	dev   *actlog.Device
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".actlogctl_history")
}

func (r *inspector) run() int {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Println("actlogctl inspect - type 'help' for commands")

	for {
		line, err := r.liner.Prompt("actlogctl> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println()
				break
			}
			fmt.Fprintln(os.Stderr, "reading input:", err)
			return 1
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			r.saveHistory()
			return 0

		case "help", "?":
			r.printHelp()

		case "trnr":
			fmt.Println(r.dev.TrNumber())

		case "writcount":
			fmt.Println(r.dev.WritCount())

		case "metrics":
			r.cmdMetrics()

		case "insync":
			r.cmdInSync(args)

		case "outofsyncweight", "oosweight":
			r.cmdOutOfSyncWeight(args)

		case "syncrate":
			r.cmdSyncRate(args)

		case "shrink":
			r.cmdShrink()

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()
	return 0
}

func (r *inspector) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}
	if f, err := os.Create(path); err == nil {
		r.liner.WriteHistory(f)
		f.Close()
	}
}

func (r *inspector) completer(line string) []string {
	commands := []string{
		"help", "trnr", "writcount", "metrics", "insync", "outofsyncweight",
		"syncrate", "shrink", "clear", "exit",
	}
	var matches []string
	for _, c := range commands {
		if strings.HasPrefix(c, line) {
			matches = append(matches, c)
		}
	}
	return matches
}

func (r *inspector) printHelp() {
	fmt.Println(`commands:
  trnr                        current activity log transaction number
  writcount                   cumulative transactions written
  metrics                     dump the device's metrics snapshot
  insync <peer> <bm_enr>      report whether a BM extent is fully in sync
  outofsyncweight <peer>      out-of-sync block count for a peer
  syncrate <peer>             recent resync throughput (bits/sec)
  shrink                      evict every unreferenced activity log extent
  clear                       clear the screen
  help / ?                    this text
  exit / quit / q             leave`)
}

func (r *inspector) cmdMetrics() {
	snap := r.dev.MetricsSnapshot()
	fmt.Printf("fastpath_hits=%d fastpath_misses=%d prepare_calls=%d\n",
		snap.FastpathHits, snap.FastpathMisses, snap.PrepareCalls)
	fmt.Printf("transactions_written=%d transaction_errors=%d avg_commit_latency=%dns\n",
		snap.TransactionsWritten, snap.TransactionErrors, snap.AvgCommitLatencyNs)
	fmt.Printf("bits_in_sync=%d bits_out_of_sync=%d bits_failed=%d\n",
		snap.BitsSetInSync, snap.BitsSetOutOfSync, snap.BitsFailed)
	fmt.Printf("bitmap_writeouts=%d peers_in_sync_sends=%d uptime=%dns\n",
		snap.BitmapWriteouts, snap.PeersInSyncSends, snap.UptimeNs)
}

func (r *inspector) cmdInSync(args []string) {
	peer, bmEnr, ok := parsePeerAndExtent(args)
	if !ok {
		return
	}
	fmt.Println(r.dev.ExtentInSync(peer, bmEnr))
}

func (r *inspector) cmdOutOfSyncWeight(args []string) {
	peer, ok := parsePeerIndex(args)
	if !ok {
		return
	}
	fmt.Println(r.dev.OutOfSyncWeight(peer))
}

func (r *inspector) cmdSyncRate(args []string) {
	peer, ok := parsePeerIndex(args)
	if !ok {
		return
	}
	fmt.Printf("%.2f bits/sec\n", r.dev.SyncRate(peer))
}

func (r *inspector) cmdShrink() {
	if err := r.dev.Shrink(); err != nil {
		fmt.Println("shrink:", err)
		return
	}
	fmt.Println("ok")
}

func parsePeerIndex(args []string) (int, bool) {
	if len(args) < 1 {
		fmt.Println("usage: <cmd> <peer>")
		return 0, false
	}
	peer, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("bad peer index:", err)
		return 0, false
	}
	return peer, true
}

func parsePeerAndExtent(args []string) (int, uint32, bool) {
	if len(args) < 2 {
		fmt.Println("usage: insync <peer> <bm_enr>")
		return 0, 0, false
	}
	peer, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("bad peer index:", err)
		return 0, 0, false
	}
	enr, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		fmt.Println("bad bm_enr:", err)
		return 0, 0, false
	}
	return peer, uint32(enr), true
}
