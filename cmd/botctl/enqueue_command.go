package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/colloquium-journals/colloquium-sub006/internal/jobs"
	"github.com/colloquium-journals/colloquium-sub006/internal/pipeline"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit jobs through the trigger API",
	}
	enqueueCmd.AddCommand(newEnqueuePipelineCommand(ctx))
	return enqueueCmd
}

// pipelineFile is the YAML layout accepted by --file.
type pipelineFile struct {
	ManuscriptID string `yaml:"manuscript"`
	Priority     string `yaml:"priority"`
	Steps        []struct {
		Bot        string         `yaml:"bot"`
		Command    string         `yaml:"command"`
		Parameters map[string]any `yaml:"parameters"`
	} `yaml:"steps"`
}

func newEnqueuePipelineCommand(ctx *commandContext) *cobra.Command {
	var (
		manuscriptID   string
		stepFlags      []string
		file           string
		priority       string
		idempotencyKey string
	)
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Start a multi-step bot pipeline on a manuscript",
		Example: `  botctl enqueue pipeline --manuscript m-1 --step "bot-reference check" --step "bot-markdown render style=apa"
  botctl enqueue pipeline --file pipeline.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"manuscriptId": manuscriptID, "priority": priority}
			var steps []pipeline.Step
			if file != "" {
				pf, err := readPipelineFile(file)
				if err != nil {
					return err
				}
				if manuscriptID == "" {
					req["manuscriptId"] = pf.ManuscriptID
				}
				if priority == "" {
					req["priority"] = pf.Priority
				}
				for _, s := range pf.Steps {
					steps = append(steps, pipeline.Step{Bot: s.Bot, Command: s.Command, Parameters: s.Parameters})
				}
			}
			for _, raw := range stepFlags {
				step, err := parseStepFlag(raw)
				if err != nil {
					return err
				}
				steps = append(steps, step)
			}
			if len(steps) == 0 {
				return errors.New("at least one --step or a --file with steps is required")
			}
			req["steps"] = steps

			hdr := http.Header{}
			if idempotencyKey != "" {
				hdr.Set("Idempotency-Key", idempotencyKey)
			}
			var res jobs.Result
			if err := ctx.call(cmd.Context(), http.MethodPost, "/pipelines", hdr, req, &res); err != nil {
				return err
			}
			verb := "Enqueued"
			if res.Idempotent {
				verb = "Reused"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s pipeline job %s (%d steps)\n", verb, res.Job.ID, len(steps))
			return nil
		},
	}
	cmd.Flags().StringVarP(&manuscriptID, "manuscript", "m", "", "Manuscript the pipeline runs against")
	cmd.Flags().StringArrayVarP(&stepFlags, "step", "s", nil, `Step as "bot-id command key=value ..." (repeatable)`)
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file describing the pipeline")
	cmd.Flags().StringVar(&priority, "priority", "", "Queue priority (high, default, low)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Reuse an existing job submitted with the same key")
	return cmd
}

func readPipelineFile(path string) (pipelineFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return pipelineFile{}, fmt.Errorf("read pipeline file: %w", err)
	}
	var pf pipelineFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return pipelineFile{}, fmt.Errorf("decode pipeline file: %w", err)
	}
	return pf, nil
}

func parseStepFlag(raw string) (pipeline.Step, error) {
	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return pipeline.Step{}, fmt.Errorf("step %q: want \"bot-id command [key=value ...]\"", raw)
	}
	step := pipeline.Step{Bot: strings.TrimPrefix(fields[0], "@"), Command: fields[1]}
	for _, kv := range fields[2:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return pipeline.Step{}, fmt.Errorf("step %q: parameter %q is not key=value", raw, kv)
		}
		if step.Parameters == nil {
			step.Parameters = map[string]any{}
		}
		step.Parameters[k] = v
	}
	return step, nil
}
