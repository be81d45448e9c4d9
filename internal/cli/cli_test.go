package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happyhackingspace/deepel"
	"github.com/happyhackingspace/deepel/candidates"
	"github.com/happyhackingspace/deepel/internal/config"
	"github.com/happyhackingspace/deepel/internal/storage"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	c := New("test")
	c.rootCmd.SetArgs(append([]string{"--silent"}, args...))
	return c.Run()
}

func writePages(t *testing.T, dir string, n int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	for i := range n {
		java := `<a href="/wiki/Java_(island)">Java</a> has volcanoes and rice fields`
		if i%2 == 1 {
			java = `<a href="/wiki/Java_(programming_language)" title="Java (programming language)">Java</a> compiles to bytecode`
		}
		page := fmt.Sprintf(`<html><head><title>Page %d</title></head><body>
<h1>Page %d</h1>
<p>%s. Many people visit <a href="/wiki/Paris">Paris</a> every year.</p>
<p>See <a href="https://example.com/">elsewhere</a> and <a href="#notes">notes</a>.</p>
</body></html>`, i, i, java)
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("page%02d.html", i)), []byte(page), 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("not a page"), 0644))
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "deepel.yaml")
	cfg := fmt.Sprintf(`store:
  dsn: %[1]s/corpus.db
paths:
  prior: %[1]s/prior.msgpack.zst
  page_order: %[1]s/page_order.msgpack.zst
  label_vectors: %[1]s/label_vectors
  vocab: %[1]s/vocab.json
  model: %[1]s/model.json
model:
  num_candidates: 2
  seed: 7
train:
  batch_size: 4
  epochs: 2
  train_size: 0.8
`, dir)
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path
}

func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	writePages(t, filepath.Join(dir, "html"), 10)
	cfgPath := writeConfig(t, dir)

	require.NoError(t, run(t, "--config", cfgPath, "data", "import", filepath.Join(dir, "html")))
	require.NoError(t, run(t, "--config", cfgPath, "data", "prior"))
	require.NoError(t, run(t, "--config", cfgPath, "data", "vocab", "--min-df", "1"))
	require.NoError(t, run(t, "--config", cfgPath, "data", "vectors", "--dim", "8"))

	order, err := storage.LoadPageOrder(filepath.Join(dir, "page_order.msgpack.zst"))
	require.NoError(t, err)
	assert.Len(t, order, 10)

	table, err := candidates.Load(filepath.Join(dir, "prior.msgpack.zst"), 0.8)
	require.NoError(t, err)
	assert.Equal(t, 3, table.NumLabels())
	assert.Len(t, table.Prior["Java"], 2, "both Java senses appear in training pages")

	require.NoError(t, run(t, "--config", cfgPath, "train", "--lr", "0.05"))
	_, err = os.Stat(filepath.Join(dir, "model.json"))
	require.NoError(t, err)

	require.NoError(t, run(t, "--config", cfgPath, "evaluate"))

	out := filepath.Join(dir, "predictions.jsonl")
	require.NoError(t, run(t, "--config", cfgPath, "predict", "--split", "valid", "-o", out))
	f, err := os.Open(out)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var preds []deepel.Prediction
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var p deepel.Prediction
		require.NoError(t, json.Unmarshal(sc.Bytes(), &p))
		preds = append(preds, p)
	}
	require.NoError(t, sc.Err())
	assert.Len(t, preds, 4, "two validation pages with two links each")
	for _, p := range preds {
		assert.NotEmpty(t, p.EntityName)
		assert.Contains(t, []string{"Java", "Paris"}, p.Mention)
	}
}

func TestUnknownSplit(t *testing.T) {
	e := &env{train: []int64{1, 2}, valid: []int64{3}}
	all, err := e.split("all")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, all)
	_, err = e.split("test")
	assert.Error(t, err)
}

func TestConfigInitRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deepel.yaml")
	require.NoError(t, run(t, "config", "init", path))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	want := config.Default()
	want.File = path
	assert.Equal(t, want, cfg)

	assert.Error(t, run(t, "config", "init", path), "refuses to overwrite")
	assert.NoError(t, run(t, "config", "init", "--force", path))
}

func TestFlagsOverrideConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir())
	c := New("test")
	cmd := c.newTrainCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--batch-size", "9", "--epochs", "3"}))
	c.cfgFile = path

	cfg, err := c.loadConfig(cmd.Flags(), map[string]string{
		"train.batch_size": "batch-size",
		"train.epochs":     "epochs",
		"train.limit":      "limit",
	})
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Train.BatchSize)
	assert.Equal(t, 3, cfg.Train.Epochs)
	assert.Equal(t, 0, cfg.Train.Limit, "unset flags keep the configured value")
	assert.Equal(t, 2, cfg.Model.NumCandidates)
}

func TestTrainConfigDefaultsCutoffs(t *testing.T) {
	cfg := config.Default()
	tc := trainConfig(cfg, 42)
	assert.Equal(t, []int{42}, tc.Cutoffs)
	assert.Equal(t, cfg.Train.BatchSize, tc.BatchSize)

	cfg.Model.Cutoffs = []int{10, 42}
	assert.Equal(t, []int{10, 42}, trainConfig(cfg, 42).Cutoffs)
}

func TestReadVectors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.txt")
	require.NoError(t, os.WriteFile(path, []byte("Paris\t1 2\nJava (island)\t3 4.5\nno tab line\n"), 0644))
	vecs, dim, err := readVectors(path)
	require.NoError(t, err)
	assert.Equal(t, 2, dim)
	assert.Equal(t, []float64{3, 4.5}, vecs["Java (island)"])

	require.NoError(t, os.WriteFile(path, []byte("a\t1 2\nb\t1\n"), 0644))
	_, _, err = readVectors(path)
	assert.Error(t, err)
}

func TestLabelVectors(t *testing.T) {
	table := candidates.Build([]candidates.Occurrence{{Mention: "Paris", EntityID: 5}, {Mention: "Rome", EntityID: 6}}, 0.8)
	names := map[int64]string{5: "Paris", 6: "Rome"}
	known := map[string][]float64{"Paris": {1, 2}}

	vecs, missing := labelVectors(table, names, known, 2, 1)
	require.Len(t, vecs, 2)
	assert.Equal(t, 1, missing)
	label, _ := table.Label(5)
	assert.Equal(t, []float64{1, 2}, vecs[label])
	other, _ := table.Label(6)
	assert.Len(t, vecs[other], 2)
}

func TestHTMLFiles(t *testing.T) {
	dir := t.TempDir()
	writePages(t, dir, 3)
	files, err := htmlFiles([]string{dir})
	require.NoError(t, err)
	assert.Len(t, files, 3)

	_, err = htmlFiles([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}
