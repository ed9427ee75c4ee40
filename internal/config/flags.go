package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// RegisterPipelineFlags adds flags that override selected environment settings.
func RegisterPipelineFlags(fs *pflag.FlagSet) {
	fs.StringP("namespace", "n", "", "Vector store namespace (overrides DOCQA_NAMESPACE)")
	fs.String("vector-store", "", "Vector store backend: postgres, bolt or memory")
	fs.String("bolt-path", "", "Path of the bolt database when --vector-store=bolt")
	fs.Int("top-k", 0, "Number of candidates retrieved per query")
	fs.Int("top-n", 0, "Number of reranked candidates passed to the generator")
	fs.Duration("timeout", 0, "Timeout applied to every external call")
	fs.Bool("strict-rerank", false, "Fail queries when reranking fails instead of degrading")
}

// ApplyFlags copies every flag that was explicitly set on fs into the config.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var err error
	if fs.Changed("namespace") {
		if c.Namespace, err = fs.GetString("namespace"); err != nil {
			return fmt.Errorf("namespace flag: %w", err)
		}
	}
	if fs.Changed("vector-store") {
		if c.VectorStore, err = fs.GetString("vector-store"); err != nil {
			return fmt.Errorf("vector-store flag: %w", err)
		}
	}
	if fs.Changed("bolt-path") {
		if c.BoltPath, err = fs.GetString("bolt-path"); err != nil {
			return fmt.Errorf("bolt-path flag: %w", err)
		}
	}
	if fs.Changed("top-k") {
		if c.RetrievalTopK, err = fs.GetInt("top-k"); err != nil {
			return fmt.Errorf("top-k flag: %w", err)
		}
	}
	if fs.Changed("top-n") {
		if c.RerankTopN, err = fs.GetInt("top-n"); err != nil {
			return fmt.Errorf("top-n flag: %w", err)
		}
	}
	if fs.Changed("timeout") {
		if c.PerCallTimeout, err = fs.GetDuration("timeout"); err != nil {
			return fmt.Errorf("timeout flag: %w", err)
		}
	}
	if fs.Changed("strict-rerank") {
		strict, err := fs.GetBool("strict-rerank")
		if err != nil {
			return fmt.Errorf("strict-rerank flag: %w", err)
		}
		c.DegradeOnRerankFailure = !strict
	}
	return nil
}
