package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"text/tabwriter"

	"pomotimer/internal/protocol"
	"pomotimer/internal/session"

	"github.com/spf13/cobra"
)

var (
	createKind  string
	createLabel string
	durationArg float64
	watchOnce   bool
)

// durationFlag returns the --duration value, or nil when it was not given.
func durationFlag(cmd *cobra.Command) *float64 {
	if !cmd.Flags().Changed("duration") {
		return nil
	}
	d := durationArg
	return &d
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an idle timer",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.SilenceUsage = true
		view, err := NewClient(serverAddr).Create(createKind, durationFlag(cmd), createLabel)
		if err != nil {
			log.Fatalf("Error creating timer: %v", err)
		}
		fmt.Println(view.ID)
	},
}

func commandCmd(name, short string, withDuration bool) *cobra.Command {
	c := &cobra.Command{
		Use:   name + " [timer-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
			var duration *float64
			if withDuration {
				duration = durationFlag(cmd)
			}
			view, err := NewClient(serverAddr).Command(args[0], name, duration)
			if err != nil {
				log.Fatalf("Error: %s %s: %v", name, args[0], err)
			}
			printViews(os.Stdout, []session.View{view})
		},
	}
	if withDuration {
		c.Flags().Float64Var(&durationArg, "duration", 0, "countdown length in seconds (defaults to the timer's current length)")
	}
	return c
}

var closeCmd = &cobra.Command{
	Use:   "close [timer-id]",
	Short: "Remove a timer",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cmd.SilenceUsage = true
		if err := NewClient(serverAddr).Close(args[0]); err != nil {
			log.Fatalf("Error closing timer: %v", err)
		}
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List timers",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.SilenceUsage = true
		views, err := NewClient(serverAddr).List()
		if err != nil {
			log.Fatalf("Error listing timers: %v", err)
		}
		printViews(os.Stdout, views)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [timer-id]",
	Short: "Follow timer ticks and completions",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cmd.SilenceUsage = true
		filter := ""
		if len(args) == 1 {
			filter = args[0]
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		err := NewClient(serverAddr).Watch(ctx, func(msg protocol.Message) bool {
			line, complete := describe(msg, filter)
			if line != "" {
				fmt.Println(line)
			}
			return !(complete && watchOnce)
		})
		if err != nil {
			log.Fatalf("Error watching: %v", err)
		}
	},
}

func init() {
	createCmd.Flags().StringVar(&createKind, "kind", "work", "interval kind: work, short_break or long_break")
	createCmd.Flags().StringVar(&createLabel, "label", "", "label shown for the timer")
	createCmd.Flags().Float64Var(&durationArg, "duration", 0, "countdown length in seconds (defaults to the preset for --kind)")
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "exit after the first completion")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(commandCmd("start", "Start a timer, or resume it when paused", true))
	rootCmd.AddCommand(commandCmd("pause", "Pause a running timer", false))
	rootCmd.AddCommand(commandCmd("reset", "Stop a timer and set a new length", true))
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(watchCmd)
}

// formatClock renders milliseconds as MM:SS, rounding up to whole seconds.
func formatClock(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	secs := (ms + 999) / 1000
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

func printViews(w io.Writer, views []session.View) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tPHASE\tREMAINING\tLABEL")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.ID, v.Kind, v.Phase, formatClock(v.RemainingMs), v.Label)
	}
	tw.Flush()
}

// describe turns a server message into a display line. It reports whether
// the message was a completion. Messages for timers other than filter are
// skipped when filter is set.
func describe(msg protocol.Message, filter string) (string, bool) {
	switch msg.Type {
	case protocol.TypeTimerTick:
		var p protocol.TimerTickPayload
		if json.Unmarshal(msg.Payload, &p) != nil || !matches(p.TimerID, filter) {
			return "", false
		}
		return fmt.Sprintf("%s  %s  %3.0f%%", p.TimerID, formatClock(p.TimeLeftMs), p.Progress*100), false

	case protocol.TypeTimerComplete:
		var p protocol.TimerCompletePayload
		if json.Unmarshal(msg.Payload, &p) != nil || !matches(p.TimerID, filter) {
			return "", false
		}
		return fmt.Sprintf("%s  %s complete", p.TimerID, p.Kind), true

	case protocol.TypeTimerClosed:
		var p protocol.TimerClosedPayload
		if json.Unmarshal(msg.Payload, &p) != nil || !matches(p.TimerID, filter) {
			return "", false
		}
		return fmt.Sprintf("%s  closed", p.TimerID), false

	case protocol.TypeWarning, protocol.TypeError:
		var p protocol.ErrorPayload
		json.Unmarshal(msg.Payload, &p)
		return fmt.Sprintf("%s: %s: %s", msg.Type, p.Code, p.Message), false
	}
	return "", false
}

func matches(id, filter string) bool {
	return filter == "" || id == filter
}
