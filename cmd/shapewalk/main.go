package main

import (
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/partial/builder"
	"github.com/wippyai/partial/memory"
	"github.com/wippyai/partial/shape"
	"github.com/wippyai/partial/transcoder"
)

var rootCmd = &cobra.Command{
	Use:           "shapewalk",
	Short:         "Step a partial value builder over demo shapes",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		if !verbose {
			return nil
		}
		log, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		setLoggers(log)
		return nil
	},
}

// setLoggers routes every library package's logs to log.
func setLoggers(log *zap.Logger) {
	builder.SetLogger(log)
	memory.SetLogger(log)
	shape.SetLogger(log)
	transcoder.SetLogger(log)
}

var runCmd = &cobra.Command{
	Use:   "run script.toml",
	Short: "Run a TOML op script and print the built value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		s, err := loadScript(args[0])
		if err != nil {
			return err
		}
		return runScript(s, format, cmd.OutOrStdout(), cmd.ErrOrStderr(), isTerminal(os.Stderr))
	},
}

var replCmd = &cobra.Command{
	Use:   "repl shape",
	Short: "Step a builder interactively",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		d, err := lookupDemo(args[0])
		if err != nil {
			return err
		}
		if !isTerminal(os.Stdin) {
			return fmt.Errorf("repl needs an interactive terminal")
		}
		s, err := newSession(d)
		if err != nil {
			return err
		}
		_, err = tea.NewProgram(newInteractiveModel(s), tea.WithAltScreen()).Run()
		return err
	},
}

var shapesCmd = &cobra.Command{
	Use:   "shapes",
	Short: "List the demo shapes",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		for _, name := range demoNames() {
			d := catalog[name]
			fmt.Fprintf(out, "%-10s %-8s %s\n", name, d.shape.Kind, d.about)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log builder activity to stderr")
	runCmd.Flags().String("format", "text", "output format (text|msgpack)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replCmd)
	rootCmd.AddCommand(shapesCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runScript applies every op of s. On failure it prints the frame stack and
// discards the builder.
func runScript(s *script, format string, out, errOut io.Writer, styled bool) error {
	d, err := lookupDemo(s.Shape)
	if err != nil {
		return err
	}
	opts, err := s.Options.builderOptions()
	if err != nil {
		return err
	}
	sess, err := newSession(d, opts...)
	if err != nil {
		return err
	}

	for i, line := range s.Ops {
		if err := sess.step(line); err != nil {
			fmt.Fprintf(errOut, "op %d failed at %s\n", i+1, sess.p.Path())
			fmt.Fprint(errOut, renderFrames(sess.p.Frames(), styled))
			if derr := sess.abandon(); derr != nil {
				return fmt.Errorf("%w (discard: %v)", err, derr)
			}
			return err
		}
	}

	frames := sess.p.Frames()
	v, err := sess.finish()
	if err != nil {
		fmt.Fprint(errOut, renderFrames(frames, styled))
		if sess.p.IsActive() {
			if derr := sess.abandon(); derr != nil {
				return fmt.Errorf("%w (discard: %v)", err, derr)
			}
		}
		return err
	}
	b, err := formatValue(v, format)
	if err != nil {
		return err
	}
	_, err = out.Write(b)
	return err
}
