package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tsawler/go-finetune/catalog"
)

// Manifest file names inside the output directory.
const (
	TrainFile           = "train_jsons.txt"
	ValidationLossFile  = "validation_loss_jsons.txt"
	ValidationImageFile = "validation_jsons.txt"
	SamplePromptsFile   = "sample_prompts.txt"
)

// Manifests is the persisted form of a session's subsets and prompts.
type Manifests struct {
	Train           []string
	ValidationLoss  []string
	ValidationImage []string
	SamplePrompts   []string
}

// FromPartition builds manifests from a partition and a prompt list.
func FromPartition(p *Partition, prompts []string) *Manifests {
	return &Manifests{
		Train:           p.Train,
		ValidationLoss:  p.ValidationLoss,
		ValidationImage: p.ValidationImage,
		SamplePrompts:   prompts,
	}
}

// Write persists every manifest under dir.
func (m *Manifests) Write(dir string) error {
	files := []struct {
		name  string
		lines []string
	}{
		{TrainFile, m.Train},
		{ValidationLossFile, m.ValidationLoss},
		{ValidationImageFile, m.ValidationImage},
		{SamplePromptsFile, m.SamplePrompts},
	}
	for _, f := range files {
		if err := catalog.WritePathList(filepath.Join(dir, f.name), f.lines); err != nil {
			return fmt.Errorf("write manifest %s: %w", f.name, err)
		}
	}
	return nil
}

// ReadManifests loads the manifests written by Write.
func ReadManifests(dir string) (*Manifests, error) {
	m := &Manifests{}
	targets := []struct {
		name string
		dst  *[]string
	}{
		{TrainFile, &m.Train},
		{ValidationLossFile, &m.ValidationLoss},
		{ValidationImageFile, &m.ValidationImage},
		{SamplePromptsFile, &m.SamplePrompts},
	}
	for _, t := range targets {
		lines, err := catalog.ReadPathList(filepath.Join(dir, t.name))
		if err != nil {
			return nil, fmt.Errorf("read manifest %s: %w", t.name, err)
		}
		*t.dst = lines
	}
	return m, nil
}

// ReadOptionalList reads a path list that may not exist.
func ReadOptionalList(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	lines, err := catalog.ReadPathList(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return lines, err
}

// SamplePrompts returns the prompts for sample rendering: the given prompts
// topped up with random catalog captions until there are want of them, sorted.
func SamplePrompts(given []string, want int, items []catalog.Item, pick func(n int) int) []string {
	prompts := append([]string(nil), given...)
	for len(prompts) < want && len(items) > 0 {
		prompts = append(prompts, items[pick(len(items))].Caption)
	}
	sort.Strings(prompts)
	return prompts
}
