package convert

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"ampc/config"
	"ampc/state"
)

// setupTestEnv creates a test environment with proper context and logger,
// local images are looked up under returned asset root.
func setupTestEnv(t *testing.T) (context.Context, *state.LocalEnv, string) {
	t.Helper()
	logger := zaptest.NewLogger(t, zaptest.WrapOptions(zap.AddCaller(), zap.AddCallerSkip(1)))
	cfg, err := config.LoadConfiguration("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	assets := t.TempDir()
	cfg.Dimensions.AssetRoot = assets
	cfg.Site.CanonicalBaseURL = "https://example.com"

	ctx := state.ContextWithEnv(context.Background())
	env := state.EnvFromContext(ctx)
	env.Log = logger
	env.Cfg = cfg
	return ctx, env, assets
}

func setupJob(t *testing.T, env *state.LocalEnv, route string) *job {
	t.Helper()
	j, err := newJob(env, route, env.Log)
	if err != nil {
		t.Fatalf("newJob() error = %v", err)
	}
	t.Cleanup(func() {
		if err := j.dims.Close(env.Rpt); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return j
}

const (
	ampPage = `<!DOCTYPE html><html><head><title>Post</title><style>p { margin: 0 }</style></head>
<body><p>Text</p><img src="/img/photo.png" alt="photo"><img src="/img/missing.gif"></body></html>`
	plainPage = `<!DOCTYPE html><html><head><title>Home</title></head><body><img src="/img/photo.png"></body></html>`
)

func readDoc(t *testing.T, name string) *goquery.Document {
	t.Helper()
	f, err := os.Open(name)
	if err != nil {
		t.Fatalf("unable to open output: %v", err)
	}
	defer f.Close()
	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		t.Fatalf("unable to parse output: %v", err)
	}
	return doc
}

func checkAmpPage(t *testing.T, name string) {
	t.Helper()
	doc := readDoc(t, name)
	if _, ok := doc.Find("html").Attr("amp"); !ok {
		t.Fatalf("%s is not an AMP page", name)
	}
	img := doc.Find(`amp-img[alt="photo"]`)
	if w, _ := img.Attr("width"); w != "30" {
		t.Errorf("amp-img width = %q, want 30 (intrinsic)", w)
	}
	if h, _ := img.Attr("height"); h != "20" {
		t.Errorf("amp-img height = %q, want 20 (intrinsic)", h)
	}
	anim := doc.Find("amp-anim")
	if w, _ := anim.Attr("width"); w != "640" {
		t.Errorf("amp-anim width = %q, want default 640", w)
	}
	if doc.Find(`script[custom-element="amp-anim"]`).Length() != 1 {
		t.Error("amp-anim script is not declared")
	}
	if doc.Find(`script[custom-element="amp-img"]`).Length() != 0 {
		t.Error("builtin amp-img must not be declared in head")
	}
}

func TestProcess_Directory(t *testing.T) {
	ctx, env, assets := setupTestEnv(t)
	writeFile(t, filepath.Join(assets, "img", "photo.png"), pngData(t, 30, 20))

	src, dst := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(src, "index.html"), []byte(plainPage))
	writeFile(t, filepath.Join(src, "amp", "blog", "post", "index.html"), []byte(ampPage))
	writeFile(t, filepath.Join(src, "app.css"), []byte("body{}"))

	j := setupJob(t, env, "")
	if err := process(ctx, src, dst, j); err != nil {
		t.Fatalf("process() error = %v", err)
	}

	checkAmpPage(t, filepath.Join(dst, "amp", "blog", "post", "index.html"))

	home := readDoc(t, filepath.Join(dst, "index.html"))
	if href, _ := home.Find(`link[rel="amphtml"]`).Attr("href"); href != "https://example.com/amp/" {
		t.Errorf("amphtml href = %q", href)
	}
	if home.Find("img").Length() != 1 {
		t.Error("non target page body must be kept")
	}
	if _, err := os.Stat(filepath.Join(dst, "app.css")); !os.IsNotExist(err) {
		t.Error("non page files must not be written")
	}

	if n := j.dims.shared.Len(); n != 2 {
		t.Errorf("cache entries = %d, want 2", n)
	}
}

func TestProcess_Archive(t *testing.T) {
	ctx, env, assets := setupTestEnv(t)
	writeFile(t, filepath.Join(assets, "img", "photo.png"), pngData(t, 30, 20))

	src, dst := t.TempDir(), t.TempDir()
	arc := writeFile(t, filepath.Join(src, "site.zip"), zipData(t, map[string][]byte{
		"public/index.html":          []byte(plainPage),
		"public/amp/post/index.html": []byte(ampPage),
		"public/img/photo.png":       pngData(t, 30, 20),
	}))

	j := setupJob(t, env, "")
	if err := process(ctx, filepath.Join(arc, "public", "amp"), dst, j); err != nil {
		t.Fatalf("process() error = %v", err)
	}

	// route is derived from full path inside archive
	out := filepath.Join(dst, "public", "amp", "post", "index.html")
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected output %s: %v", out, err)
	}
	if _, err := os.Stat(filepath.Join(dst, "public", "index.html")); !os.IsNotExist(err) {
		t.Error("page outside of archive path must not be processed")
	}
}

func TestProcess_SingleFile(t *testing.T) {
	ctx, env, assets := setupTestEnv(t)
	writeFile(t, filepath.Join(assets, "img", "photo.png"), pngData(t, 30, 20))

	src, dst := t.TempDir(), t.TempDir()
	file := writeFile(t, filepath.Join(src, "post.html"), []byte(ampPage))

	j := setupJob(t, env, "/amp/post/")
	if err := process(ctx, file, dst, j); err != nil {
		t.Fatalf("process() error = %v", err)
	}
	checkAmpPage(t, filepath.Join(dst, "post.html"))

	doc := readDoc(t, filepath.Join(dst, "post.html"))
	if href, _ := doc.Find(`link[rel="canonical"]`).Attr("href"); href != "https://example.com/post/" {
		t.Errorf("canonical = %q", href)
	}
}

func TestProcess_PassLifetimeAndNoDirs(t *testing.T) {
	ctx, env, assets := setupTestEnv(t)
	writeFile(t, filepath.Join(assets, "img", "photo.png"), pngData(t, 30, 20))
	env.Cfg.Dimensions.Lifetime = config.CacheLifetimePass
	env.NoDirs = true

	src, dst := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(src, "amp", "a", "index.html"), []byte(ampPage))
	writeFile(t, filepath.Join(src, "amp", "b", "index.html"), []byte(ampPage))

	j := setupJob(t, env, "")
	if j.dims.shared != nil {
		t.Fatal("pass lifetime must not share cache")
	}
	if err := process(ctx, src, dst, j); err != nil {
		t.Fatalf("process() error = %v", err)
	}
	checkAmpPage(t, filepath.Join(dst, "amp-a.html"))
	checkAmpPage(t, filepath.Join(dst, "amp-b.html"))
}

func TestProcess_DimensionsDisabled(t *testing.T) {
	ctx, env, _ := setupTestEnv(t)
	env.Cfg.Dimensions.Enable = false

	src, dst := t.TempDir(), t.TempDir()
	file := writeFile(t, filepath.Join(src, "index.html"), []byte(ampPage))

	j := setupJob(t, env, "/amp/")
	if err := process(ctx, file, dst, j); err != nil {
		t.Fatalf("process() error = %v", err)
	}
	doc := readDoc(t, filepath.Join(dst, "index.html"))
	if w, _ := doc.Find(`amp-img[alt="photo"]`).Attr("width"); w != "640" {
		t.Errorf("width = %q, want default 640", w)
	}
}

func TestProcess_Errors(t *testing.T) {
	ctx, env, _ := setupTestEnv(t)
	j := setupJob(t, env, "")
	src, dst := t.TempDir(), t.TempDir()

	t.Run("not found", func(t *testing.T) {
		err := process(ctx, filepath.Join(src, "missing.html"), dst, j)
		if err == nil || !strings.Contains(err.Error(), "not found") {
			t.Errorf("process() error = %v", err)
		}
	})

	t.Run("not a page", func(t *testing.T) {
		file := writeFile(t, filepath.Join(src, "notes.txt"), []byte("hello"))
		err := process(ctx, file, dst, j)
		if err == nil || !strings.Contains(err.Error(), "not recognized") {
			t.Errorf("process() error = %v", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if err := process(cctx, src, dst, j); err == nil {
			t.Error("expected error for cancelled context")
		}
	})
}

func TestProcessPage_FailureLeavesNoOutput(t *testing.T) {
	ctx, env, _ := setupTestEnv(t)
	// analytics configuration which cannot be encoded fails conversion
	env.Cfg.Site.Analytics = &config.AnalyticsConfig{Type: "gtag", Config: map[string]any{"vars": make(chan int)}}
	j := setupJob(t, env, "")
	dst := t.TempDir()

	// second attempt must not stumble on leftovers of the first one
	for range 2 {
		err := processPage(ctx, strings.NewReader(ampPage), "post.html", "/amp/post/", dst, j)
		if err == nil || !strings.Contains(err.Error(), "analytics") {
			t.Fatalf("processPage() error = %v, want analytics failure", err)
		}
		if _, err := os.Stat(filepath.Join(dst, "post.html")); !os.IsNotExist(err) {
			t.Fatalf("incomplete output was left behind: %v", err)
		}
	}
}

func TestPrepareOutput(t *testing.T) {
	log := zaptest.NewLogger(t)
	dir := t.TempDir()
	name := filepath.Join(dir, "sub", "index.html")

	if err := prepareOutput(name, false, log); err != nil {
		t.Fatalf("prepareOutput() error = %v", err)
	}
	if fi, err := os.Stat(filepath.Dir(name)); err != nil || !fi.IsDir() {
		t.Fatal("output directory was not created")
	}

	writeFile(t, name, []byte("old"))
	if err := prepareOutput(name, false, log); err == nil {
		t.Error("expected error for existing output without overwrite")
	}
	if err := prepareOutput(name, true, log); err != nil {
		t.Errorf("prepareOutput() with overwrite error = %v", err)
	}
	if _, err := os.Stat(name); !os.IsNotExist(err) {
		t.Error("existing output must be removed")
	}
}

func TestProcess_DebugReport(t *testing.T) {
	ctx, env, assets := setupTestEnv(t)
	writeFile(t, filepath.Join(assets, "img", "photo.png"), pngData(t, 30, 20))

	rc := config.ReporterConfig{Destination: filepath.Join(t.TempDir(), "report.zip")}
	rpt, err := rc.Prepare()
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	env.Rpt = rpt

	src, dst := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(src, "index.html"), []byte(plainPage))
	writeFile(t, filepath.Join(src, "amp", "post", "index.html"), []byte(ampPage))

	j := setupJob(t, env, "")
	if err := process(ctx, src, dst, j); err != nil {
		t.Fatalf("process() error = %v", err)
	}
	if err := rpt.Close(); err != nil {
		t.Fatalf("report Close() error = %v", err)
	}

	r, err := zip.OpenReader(rpt.Name())
	if err != nil {
		t.Fatalf("unable to open report: %v", err)
	}
	defer r.Close()

	entries := make(map[string]*zip.File)
	for _, f := range r.File {
		entries[f.Name] = f
	}
	if _, ok := entries["result/amp/post/index.html"]; !ok {
		t.Error("converted page is not in the report")
	}
	if _, ok := entries["result/index.html"]; ok {
		t.Error("linked page must not be in the report")
	}
	f, ok := entries["outline/amp/post/index.html.txt"]
	if !ok {
		t.Fatal("page outline is not in the report")
	}
	in, err := f.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	data, err := io.ReadAll(in)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `amp-img src="/img/photo.png"`) {
		t.Errorf("outline does not show converted image:\n%s", data)
	}
}
