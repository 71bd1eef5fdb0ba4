package catalog

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CommandRecacher runs an external cache builder for a single image-caption
// pair. The command receives the pair through FINETUNE_* environment
// variables and prints the new descriptor paths on stdout, one per line.
type CommandRecacher struct {
	Command []string
	Env     []string // extra KEY=VALUE pairs, e.g. resolution bounds
}

func (c *CommandRecacher) Recache(ctx context.Context, d Descriptor) ([]string, error) {
	if len(c.Command) == 0 {
		return nil, fmt.Errorf("no recache command configured")
	}

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env,
		"FINETUNE_CACHE_DIR="+d.CacheDir,
		"FINETUNE_DATA_DIR="+d.DataDir,
		"FINETUNE_IMAGE_FILE="+d.ImageFile,
		"FINETUNE_CAPTION_FILE="+d.CaptionFile,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("recache %s: %w: %s", d.ImageFile, err, strings.TrimSpace(stderr.String()))
	}

	var paths []string
	sc := bufio.NewScanner(&stdout)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, sc.Err()
}
