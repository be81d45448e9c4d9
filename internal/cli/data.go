package cli

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/happyhackingspace/deepel/candidates"
	"github.com/happyhackingspace/deepel/internal/collect"
	"github.com/happyhackingspace/deepel/internal/config"
	"github.com/happyhackingspace/deepel/internal/htmlutil"
	"github.com/happyhackingspace/deepel/internal/storage"
	"github.com/happyhackingspace/deepel/internal/vectorizer"
	"github.com/happyhackingspace/deepel/labelvec"
)

func (c *CLI) newDataCommand() *cobra.Command {
	dataCmd := &cobra.Command{
		Use:   "data",
		Short: "Build the corpus store and the artifacts training reads",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	importCmd := &cobra.Command{
		Use:   "import <html file or dir>...",
		Short: "Import HTML articles into the store and write a shuffled page order",
		Args:  cobra.MinimumNArgs(1),
		Example: `  deepel data import dump/
  deepel data import a.html b.html --config deepel.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd.Flags(), nil)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return dataImport(ctx, cfg, args)
		},
	}

	priorCmd := &cobra.Command{
		Use:   "prior",
		Short: "Build the mention prior and label order from the training split",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd.Flags(), map[string]string{"train.min_mentions": "min-mentions"})
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return dataPrior(ctx, cfg)
		},
	}
	priorCmd.Flags().Int("min-mentions", 0, "Minimum corpus mentions for an entity to get a label")

	var minDF int
	vocabCmd := &cobra.Command{
		Use:   "vocab",
		Short: "Build the token vocabulary from training pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd.Flags(), nil)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return dataVocab(ctx, cfg, minDF)
		},
	}
	vocabCmd.Flags().IntVar(&minDF, "min-df", 2, "Minimum document frequency for a token")

	var from string
	var dim int
	vectorsCmd := &cobra.Command{
		Use:   "vectors",
		Short: "Write label vectors in label order",
		Long: `Write one vector per label into the label vector store.

With --from, vectors are read from a text file with one "name<TAB>v1 v2 ..."
line per entity. Labels missing from the file, or all labels without
--from, get small random vectors of --dim dimensions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd.Flags(), nil)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return dataVectors(ctx, cfg, from, dim)
		},
	}
	vectorsCmd.Flags().StringVar(&from, "from", "", "Text file of entity vectors")
	vectorsCmd.Flags().IntVar(&dim, "dim", 64, "Dimension of random vectors")

	var (
		seedsFile string
		outputDir string
		maxPages  int
		delay     time.Duration
		timeout   time.Duration
		userAgent string
		noRobots  bool
	)
	crawlCmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl article pages from seed URLs for import",
		Example: `  deepel data crawl --seeds seeds.txt --output dump --max-pages 5000
  deepel data import dump/html`,
		RunE: func(cmd *cobra.Command, args []string) error {
			seeds, err := collect.LoadLines(seedsFile)
			if err != nil {
				return fmt.Errorf("load seeds: %w", err)
			}
			ctx, stop := signalContext()
			defer stop()
			slog.Info("Crawling", "seeds", len(seeds), "output", outputDir)
			res, err := collect.Crawl(ctx, collect.Options{
				Seeds:        seeds,
				OutputDir:    outputDir,
				MaxPages:     maxPages,
				Delay:        delay,
				UserAgent:    userAgent,
				IgnoreRobots: noRobots,
				Client:       collect.NewHTTPClient(timeout),
			})
			if err != nil {
				return err
			}
			slog.Info("Crawl complete", "saved", res.Saved, "failed", res.Failed,
				"skipped", res.Skipped, "disallowed", res.Disallowed)
			return nil
		},
	}
	crawlCmd.Flags().StringVar(&seedsFile, "seeds", "", "File with one article URL per line")
	crawlCmd.Flags().StringVar(&outputDir, "output", "dump", "Output directory")
	crawlCmd.Flags().IntVar(&maxPages, "max-pages", 1000, "Max pages to save (0=unlimited)")
	crawlCmd.Flags().DurationVar(&delay, "delay", 800*time.Millisecond, "Minimum delay between requests")
	crawlCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "HTTP timeout")
	crawlCmd.Flags().StringVar(&userAgent, "user-agent", "Mozilla/5.0 (compatible; deepel/1.0)", "User-Agent header")
	crawlCmd.Flags().BoolVar(&noRobots, "ignore-robots", false, "Do not consult robots.txt")
	_ = crawlCmd.MarkFlagRequired("seeds")

	dataCmd.AddCommand(crawlCmd, importCmd, priorCmd, vocabCmd, vectorsCmd)
	return dataCmd
}

// htmlFiles expands directories into the .html/.htm files below them.
func htmlFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			ext := strings.ToLower(filepath.Ext(path))
			if !d.IsDir() && (ext == ".html" || ext == ".htm") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func importFile(ctx context.Context, store *storage.SQLite, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	doc, err := htmlutil.LoadHTML(f)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	art := htmlutil.ExtractArticle(doc)
	anchors := make([]storage.Anchor, len(art.Anchors))
	for i, a := range art.Anchors {
		anchors[i] = storage.Anchor{Text: a.Text, Target: a.Target, Offset: a.Offset}
	}
	if _, err := store.InsertPage(ctx, art.Title, art.Text, anchors); err != nil {
		return 0, fmt.Errorf("import %s: %w", path, err)
	}
	return len(anchors), nil
}

func dataImport(ctx context.Context, cfg *config.Config, args []string) error {
	files, err := htmlFiles(args)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	slog.Info("Importing pages", "files", len(files), "store", cfg.Store.DSN)
	mentions := 0
	for i, path := range files {
		n, err := importFile(ctx, store, path)
		if err != nil {
			return err
		}
		mentions += n
		slog.Debug("Imported page", "file", path, "mentions", n)
		if (i+1)%1000 == 0 {
			slog.Info("Import progress", "pages", i+1, "mentions", mentions)
		}
	}
	if err := store.RefreshEntityCounts(ctx); err != nil {
		return err
	}

	ids, err := store.PageIDs(ctx)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(cfg.Model.Seed, cfg.Model.Seed^0x9e3779b97f4a7c15))
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	if err := storage.SavePageOrder(cfg.Paths.PageOrder, ids); err != nil {
		return err
	}
	slog.Info("Import complete", "pages", len(files), "mentions", mentions, "page_order", cfg.Paths.PageOrder)
	return nil
}

// trainPages loads the page order and returns its training split.
func trainPages(cfg *config.Config) ([]int64, error) {
	order, err := storage.LoadPageOrder(cfg.Paths.PageOrder)
	if err != nil {
		return nil, err
	}
	train, _ := storage.Split(order, cfg.Train.TrainSize)
	return train, nil
}

// buildTable counts training-split occurrences of eligible entities, then
// gives every other eligible entity a label after them so validation
// mentions are classifiable.
func buildTable(ctx context.Context, store storage.Store, train []int64, trainSize float64, minMentions int) (*candidates.Table, error) {
	eligible, err := store.EligibleEntities(ctx, minMentions)
	if err != nil {
		return nil, err
	}
	ok := make(map[int64]bool, len(eligible))
	for _, id := range eligible {
		ok[id] = true
	}

	var occ []candidates.Occurrence
	for _, window := range storage.Windows(train, storage.WindowSize) {
		byPage, err := store.Mentions(ctx, window)
		if err != nil {
			return nil, err
		}
		for _, id := range window {
			for _, m := range byPage[id] {
				if ok[m.EntityID] {
					occ = append(occ, candidates.Occurrence{Mention: m.Text, EntityID: m.EntityID})
				}
			}
		}
	}
	table := candidates.Build(occ, trainSize)
	added := table.Extend(eligible)
	slog.Debug("Built prior", "occurrences", len(occ), "labels", table.NumLabels(), "unseen_labels", added)
	return table, nil
}

func dataPrior(ctx context.Context, cfg *config.Config) error {
	train, err := trainPages(cfg)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	table, err := buildTable(ctx, store, train, cfg.Train.TrainSize, cfg.Train.MinMentions)
	if err != nil {
		return err
	}
	if err := candidates.Save(cfg.Paths.Prior, table); err != nil {
		return err
	}
	slog.Info("Prior saved", "path", cfg.Paths.Prior, "mentions", len(table.Prior), "labels", table.NumLabels())
	return nil
}

func dataVocab(ctx context.Context, cfg *config.Config, minDF int) error {
	train, err := trainPages(cfg)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	corpus := make([]string, 0, len(train))
	for _, window := range storage.Windows(train, storage.WindowSize) {
		contents, err := store.PageContents(ctx, window)
		if err != nil {
			return err
		}
		for _, id := range window {
			corpus = append(corpus, contents[id])
		}
	}
	vocab := vectorizer.BuildVocabulary(corpus, minDF)
	if err := vocab.Save(cfg.Paths.Vocab); err != nil {
		return err
	}
	slog.Info("Vocabulary saved", "path", cfg.Paths.Vocab, "tokens", vocab.Size(), "pages", len(corpus))
	return nil
}

// readVectors parses "name<TAB>v1 v2 ..." lines.
func readVectors(path string) (map[string][]float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	out := make(map[string][]float64)
	dim := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		name, rest, found := strings.Cut(sc.Text(), "\t")
		if !found {
			continue
		}
		fields := strings.Fields(rest)
		if dim == 0 {
			dim = len(fields)
		}
		if len(fields) != dim {
			return nil, 0, fmt.Errorf("%s:%d: %d values, want %d", path, line, len(fields), dim)
		}
		v := make([]float64, dim)
		for i, s := range fields {
			if v[i], err = strconv.ParseFloat(s, 64); err != nil {
				return nil, 0, fmt.Errorf("%s:%d: %w", path, line, err)
			}
		}
		out[name] = v
	}
	return out, dim, sc.Err()
}

// labelVectors returns one vector per label of table, taken from known by
// entity name when present and random otherwise.
func labelVectors(table *candidates.Table, names map[int64]string, known map[string][]float64, dim int, seed uint64) ([][]float64, int) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	vectors := make([][]float64, table.NumLabels())
	missing := 0
	for label := range vectors {
		if v, ok := known[names[table.Entity(label)]]; ok {
			vectors[label] = v
			continue
		}
		missing++
		v := make([]float64, dim)
		for i := range v {
			v[i] = (rng.Float64() - 0.5) / float64(dim)
		}
		vectors[label] = v
	}
	return vectors, missing
}

func dataVectors(ctx context.Context, cfg *config.Config, from string, dim int) error {
	table, err := candidates.Load(cfg.Paths.Prior, cfg.Train.TrainSize)
	if err != nil {
		return err
	}

	var known map[string][]float64
	names := map[int64]string{}
	if from != "" {
		if known, dim, err = readVectors(from); err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		names, err = store.EntityNames(ctx, table.Entities)
		_ = store.Close()
		if err != nil {
			return err
		}
	}
	if dim < 1 {
		return fmt.Errorf("vector dimension must be positive, got %d", dim)
	}

	vectors, missing := labelVectors(table, names, known, dim, cfg.Model.Seed)
	b, err := labelvec.WriteBadger(labelvec.BadgerOptions{Dir: cfg.Paths.LabelVectors}, vectors)
	if err != nil {
		return err
	}
	if err := b.Close(); err != nil {
		return err
	}
	slog.Info("Label vectors saved", "path", cfg.Paths.LabelVectors, "labels", len(vectors), "dim", dim, "random", missing)
	return nil
}
