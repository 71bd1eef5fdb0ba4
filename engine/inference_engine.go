package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tsawler/go-finetune/catalog"
	"github.com/tsawler/go-finetune/checkpoints"
)

// CommandHook runs an external inference program. The consolidated weights
// are streamed on stdin in the checkpoint weight encoding; everything else is
// passed through FINETUNE_* environment variables.
type CommandHook struct {
	Command []string
	Env     []string
	Timeout time.Duration
}

// context bounds ctx by Timeout when one is set.
func (h CommandHook) context(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.Timeout > 0 {
		return context.WithTimeout(ctx, h.Timeout)
	}
	return context.WithCancel(ctx)
}

func (h CommandHook) run(ctx context.Context, weights *checkpoints.Weights, env ...string) ([]byte, error) {
	if len(h.Command) == 0 {
		return nil, fmt.Errorf("no command configured")
	}
	ctx, cancel := h.context(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.Command[0], h.Command[1:]...)
	cmd.Env = append(os.Environ(), h.Env...)
	cmd.Env = append(cmd.Env, env...)
	if weights != nil {
		cmd.Stdin = bytes.NewReader(weights.Marshal())
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", filepath.Base(h.Command[0]), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// writeLines writes lines to a new file in dir and returns its path.
func writeLines(dir, pattern string, lines []string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	defer f.Close()
	for _, l := range lines {
		if _, err := fmt.Fprintln(f, l); err != nil {
			return "", err
		}
	}
	return f.Name(), nil
}

// CommandRenderer generates sample images through an external program. Images
// go to <OutputDir>/<epoch>/.
type CommandRenderer struct {
	Hook      CommandHook
	OutputDir string
	Logger    *slog.Logger
}

func (r *CommandRenderer) Render(ctx context.Context, weights *checkpoints.Weights, prompts []string, epoch int) error {
	dir := filepath.Join(r.OutputDir, strconv.Itoa(epoch))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	promptsFile, err := writeLines(dir, ".prompts-*.txt", prompts)
	if err != nil {
		return fmt.Errorf("write prompts: %w", err)
	}
	defer os.Remove(promptsFile)

	if _, err := r.Hook.run(ctx, weights,
		"FINETUNE_EPOCH="+strconv.Itoa(epoch),
		"FINETUNE_PROMPTS_FILE="+promptsFile,
		"FINETUNE_OUTPUT_DIR="+dir,
	); err != nil {
		return fmt.Errorf("render samples: %w", err)
	}
	if r.Logger != nil {
		r.Logger.Info("samples rendered", "epoch", epoch, "prompts", len(prompts), "dir", dir)
	}
	return nil
}

// CommandScorer scores the validation-image subset through an external
// program, which prints a JSON object of score name to value on stdout.
type CommandScorer struct {
	Hook    CommandHook
	WorkDir string
}

func (s *CommandScorer) Score(ctx context.Context, weights *checkpoints.Weights, items []catalog.Item, epoch int) (map[string]float64, error) {
	paths := make([]string, len(items))
	for i, it := range items {
		paths[i] = it.Path
	}
	if err := os.MkdirAll(s.WorkDir, 0o755); err != nil {
		return nil, err
	}
	itemsFile, err := writeLines(s.WorkDir, ".validation-*.list", paths)
	if err != nil {
		return nil, fmt.Errorf("write validation items: %w", err)
	}
	defer os.Remove(itemsFile)

	out, err := s.Hook.run(ctx, weights,
		"FINETUNE_EPOCH="+strconv.Itoa(epoch),
		"FINETUNE_ITEMS_FILE="+itemsFile,
	)
	if err != nil {
		return nil, fmt.Errorf("score images: %w", err)
	}

	var scores map[string]float64
	if err := json.Unmarshal(out, &scores); err != nil {
		return nil, fmt.Errorf("decode scores: %w", err)
	}
	return scores, nil
}
