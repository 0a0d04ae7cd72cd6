package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/poiesic/atomstore"
	"github.com/poiesic/atomstore/ai/openai"
	"github.com/poiesic/atomstore/config"
	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/ingestion"
	"github.com/poiesic/atomstore/search"
	"github.com/urfave/cli/v2"
)

// loadConfig reads the config file, applies ATOMSTORE_* overrides and the
// --db flag.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if db := c.String("db"); db != "" {
		cfg.DataDir = db
	}
	// commands are one-shot; gc runs a sweep explicitly
	cfg.GC.Enabled = false
	return cfg, nil
}

func openStore(c *cli.Context, cfg *config.Config, withEmbedder bool) (*atomstore.Store, error) {
	opts := []atomstore.Option{
		atomstore.WithConfig(cfg),
		atomstore.WithLogger(slog.Default()),
		atomstore.WithProgress(os.Stderr),
	}
	if withEmbedder {
		provider, err := openai.NewProvider(cfg.AIConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create AI provider: %w", err)
		}
		opts = append(opts, atomstore.WithAIProvider(provider))
		s, err := atomstore.Open(c.Context, cfg.DataDir, opts...)
		if err != nil {
			provider.Close()
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		return s, nil
	}

	s, err := atomstore.Open(c.Context, cfg.DataDir, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return s, nil
}

func closeStore(s *atomstore.Store) {
	if err := s.Close(); err != nil {
		slog.Error("error closing store", "err", err)
	}
}

func putCommand(c *cli.Context) error {
	content, err := readContent(c)
	if err != nil {
		return err
	}
	modality, err := core.ParseModality(c.String("modality"))
	if err != nil {
		return err
	}
	item := ingestion.Item{Content: content, Modality: modality, Subtype: c.String("subtype")}
	if v := c.String("vector"); v != "" {
		if item.Vector, err = parseVector(v); err != nil {
			return err
		}
		item.ModelID = c.String("model")
		if item.ModelID == "" {
			return errors.New("--model is required with --vector")
		}
	}
	embed := c.Bool("embed")
	if embed && item.Vector != nil {
		return errors.New("--embed and --vector cannot be combined")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	s, err := openStore(c, cfg, embed)
	if err != nil {
		return err
	}
	defer closeStore(s)

	w := c.App.Writer
	if embed {
		atoms, err := s.Ingest(c.Context, cfg.AI.EmbeddingModel, item)
		if err != nil {
			return err
		}
		s.Wait()
		printAtom(w, atoms[0])
		return nil
	}

	result, err := s.Put(c.Context, item)
	if err != nil {
		return err
	}
	printAtom(w, result.Atom)
	if result.Embedding != nil {
		fmt.Fprintf(w, "embedding: model=%s dims=%d indexed=%t\n",
			result.Embedding.ModelID, len(result.Embedding.Vector), result.Indexed)
	}
	for _, rep := range result.Reports {
		fmt.Fprintf(w, "near duplicate: atom=%d similarity=%.4f\n", rep.CandidateID, rep.Similarity)
	}
	return nil
}

func readContent(c *cli.Context) ([]byte, error) {
	text, file := c.String("text"), c.String("file")
	switch {
	case text != "" && file != "":
		return nil, errors.New("--text and --file cannot be combined")
	case text != "":
		return []byte(text), nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		return data, nil
	default:
		return nil, errors.New("one of --text or --file is required")
	}
}

func parseVector(s string) ([]float32, error) {
	fields := strings.Split(s, ",")
	vector := make([]float32, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", f, err)
		}
		vector = append(vector, float32(v))
	}
	return vector, nil
}

func printAtom(w io.Writer, a *core.Atom) {
	fmt.Fprintf(w, "atom %d: modality=%s subtype=%q size=%d refs=%d version=%d hash=%s\n",
		a.ID, a.Modality, a.Subtype, a.Size, a.RefCount, a.Version, a.ContentHash)
}

func getCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	s, err := openStore(c, cfg, false)
	if err != nil {
		return err
	}
	defer closeStore(s)

	id := core.AtomID(c.Uint64("id"))
	w := c.App.Writer
	if asOf := c.Timestamp("as-of"); asOf != nil {
		v, err := s.GetAt(c.Context, id, *asOf)
		if err != nil {
			return err
		}
		printVersion(w, v)
		if v.Inline != nil {
			fmt.Fprintf(w, "%s\n", v.Inline)
		}
		return nil
	}

	atom, err := s.Get(c.Context, id)
	if err != nil {
		return err
	}
	content, err := s.Content(c.Context, id)
	if err != nil {
		return err
	}
	printAtom(w, atom)
	fmt.Fprintf(w, "%s\n", content)
	return nil
}

func printVersion(w io.Writer, v *core.AtomVersion) {
	validTo := "current"
	if !v.IsCurrent() {
		validTo = v.ValidTo.Format(time.RFC3339Nano)
	}
	fmt.Fprintf(w, "version %d: from=%s to=%s size=%d hash=%s\n",
		v.Version, v.ValidFrom.Format(time.RFC3339Nano), validTo, v.Size, v.ContentHash)
}

func historyCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	s, err := openStore(c, cfg, false)
	if err != nil {
		return err
	}
	defer closeStore(s)

	versions, err := s.History(c.Context, core.AtomID(c.Uint64("id")))
	if err != nil {
		return err
	}
	for _, v := range versions {
		printVersion(c.App.Writer, v)
	}
	return nil
}

func releaseCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	s, err := openStore(c, cfg, false)
	if err != nil {
		return err
	}
	defer closeStore(s)

	atom, err := s.Release(c.Context, core.AtomID(c.Uint64("id")))
	if err != nil {
		return err
	}
	printAtom(c.App.Writer, atom)
	return nil
}

func searchCommand(c *cli.Context) error {
	query, vec := c.String("query"), c.String("vector")
	if (query == "") == (vec == "") {
		return errors.New("exactly one of --query or --vector is required")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	s, err := openStore(c, cfg, query != "")
	if err != nil {
		return err
	}
	defer closeStore(s)

	var result *search.Result
	if query != "" {
		result, err = s.SearchText(c.Context, query, c.Int("top-k"))
	} else {
		req := search.Request{ModelID: c.String("model"), TopK: c.Int("top-k")}
		if req.Vector, err = parseVector(vec); err != nil {
			return err
		}
		result, err = s.Search(c.Context, req)
	}
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "model=%s mode=%s landmark_version=%d examined=%d",
		result.ModelID, result.Mode, result.LandmarkVersion, result.CandidatesExamined)
	if result.Degraded != search.DegradedNone {
		fmt.Fprintf(w, " degraded=%s", result.Degraded)
	}
	if result.Partial {
		fmt.Fprint(w, " partial")
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ATOM\tDISTANCE")
	for _, hit := range result.Hits {
		fmt.Fprintf(tw, "%d\t%.6f\n", hit.AtomID, hit.Distance)
	}
	return tw.Flush()
}

func landmarksListCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	s, err := openStore(c, cfg, false)
	if err != nil {
		return err
	}
	defer closeStore(s)

	models, err := s.Embeddings().Models(c.Context)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tVERSION\tSTATE\tLANDMARKS\tMETRIC\tCREATED")
	for _, m := range models {
		sets, err := s.Landmarks().ListLandmarkSets(c.Context, m.ModelID)
		if err != nil {
			return err
		}
		for _, set := range sets {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%s\n", set.ModelID, set.Version, set.State,
				set.Count(), set.Metric, set.CreatedAt.Format(time.RFC3339))
		}
	}
	return tw.Flush()
}

func landmarksRotateCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	s, err := openStore(c, cfg, false)
	if err != nil {
		return err
	}
	defer closeStore(s)

	p, err := s.Rotate(c.Context, c.String("model"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "activated landmark set %d for %s (%d landmarks)\n", p.Version(), p.ModelID(), p.Dims())
	if c.Bool("wait") {
		s.WaitForRebuilds()
	}
	return nil
}

func reprojectCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	s, err := openStore(c, cfg, false)
	if err != nil {
		return err
	}
	defer closeStore(s)

	stats, err := s.Reproject(c.Context, c.String("model"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "reprojected %s with landmark set %d: %d total, %d updated, %d reused in %s\n",
		stats.ModelID, stats.LandmarkVersion, stats.Total, stats.Updated, stats.Skipped, stats.Elapsed.Round(time.Millisecond))
	return nil
}

func reembedCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if to := c.String("to"); to != "" {
		cfg.AI.EmbeddingModel = to
	}
	if host := c.String("embedding-host"); host != "" {
		cfg.AI.EmbeddingHost = host
	}
	if size := c.Int("batch-size"); size > 0 {
		cfg.Reproject.BatchSize = size
	}
	s, err := openStore(c, cfg, true)
	if err != nil {
		return err
	}
	defer closeStore(s)

	stats, err := s.Reembed(c.Context, c.String("from"), cfg.AI.EmbeddingModel)
	if err != nil {
		return err
	}
	slog.Info("reembedding complete", "from", c.String("from"), "to", stats.ModelID,
		"updated", stats.Updated, "skipped", stats.Skipped, "resumed", stats.Resumed)
	return nil
}

func gcCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	s, err := openStore(c, cfg, false)
	if err != nil {
		return err
	}
	defer closeStore(s)

	result, err := s.Sweep(c.Context)
	if result != nil {
		fmt.Fprintf(c.App.Writer, "sweep %s: %d candidates, %d purged, %d revived, %d failed, %d landmark sets pruned in %s\n",
			result.RunID, result.Candidates, result.Purged, result.Revived, result.Failed,
			result.LandmarkSetsPruned, result.Elapsed.Round(time.Millisecond))
	}
	return err
}

func statsCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	s, err := openStore(c, cfg, false)
	if err != nil {
		return err
	}
	defer closeStore(s)

	stats, err := s.Stats(c.Context)
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "atoms: %d\n", stats.Atoms)
	if len(stats.Models) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tDIMS\tEMBEDDINGS\tLANDMARKS\tINDEX\tINDEXED\tSTALE")
	for _, m := range stats.Models {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%t\n", m.ModelID, m.Dimension, m.Embeddings,
			m.LandmarkVersion, m.IndexVersion, m.Indexed, m.Stale())
	}
	return tw.Flush()
}
