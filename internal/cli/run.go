package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/calcrt/internal/calculator"
	"github.com/dshills/calcrt/internal/config"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		inputs     string
		inputsFile string
		target     string
		retries    int
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <source>",
		Short: "Activate a calculator and run it on JSON inputs",
		Long: "Loads source through the loader chain, starts it, activates an instance " +
			"and prints the calculation result as JSON. Inputs come from --inputs, " +
			"--inputs-file, or stdin when --inputs-file is \"-\".",
		Example: `  calcrt run cardiology.cha2ds2-vasc --inputs '{"age":78,"gender":"female","chf":true}'
  calcrt run ./plugins/bmi.yaml --inputs-file inputs.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := readInputs(inputs, inputsFile)
			if err != nil {
				return err
			}

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if timeout > 0 {
				cfg.Calculator.CalculationTimeout = config.D(timeout)
			}
			rt, err := a.newRuntime(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer func() { _ = rt.Shutdown(ctx) }()

			if err := rt.Start(ctx); err != nil {
				return err
			}
			instance, err := rt.ActivateWithRetry(ctx, args[0], target, retries)
			if err != nil {
				return err
			}
			res, err := rt.Calculate(ctx, instance.ID(), in)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVar(&inputs, "inputs", "", "inputs as a JSON object")
	cmd.Flags().StringVar(&inputsFile, "inputs-file", "", "file holding the JSON inputs (- for stdin)")
	cmd.Flags().StringVar(&target, "target", "cli", "render target name")
	cmd.Flags().IntVar(&retries, "retries", 0, "activation attempts (default from calculator.activation_retries)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "calculation timeout (default from calculator.calculation_timeout)")
	cmd.MarkFlagsMutuallyExclusive("inputs", "inputs-file")
	return cmd
}

func readInputs(inline, file string) (calculator.Inputs, error) {
	var data []byte
	switch {
	case inline != "":
		data = []byte(inline)
	case file == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		data = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read inputs: %w", err)
		}
		data = b
	default:
		return calculator.Inputs{}, nil
	}

	var in calculator.Inputs
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("inputs must be a JSON object: %w", err)
	}
	return in, nil
}
