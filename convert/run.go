package convert

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/ianaindex"

	"ampc/archive"
	"ampc/page"
	"ampc/state"
	dbg "ampc/utils/debug"
)

// job carries everything needed to convert pages of a single run.
type job struct {
	conv  *page.Converter
	dims  *measurer
	route string
	log   *zap.Logger
}

func Run(ctx context.Context, cmd *cli.Command) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	env := state.EnvFromContext(ctx)
	log := env.Log.Named("convert")

	src := cmd.Args().Get(0)
	if len(src) == 0 {
		return errors.New("no input source has been specified")
	}
	src, err = filepath.Abs(src)
	if err != nil {
		return err
	}

	dst := cmd.Args().Get(1)
	if len(dst) == 0 {
		if dst, err = os.Getwd(); err != nil {
			return fmt.Errorf("unable to get working directory: %w", err)
		}
	}
	if dst, err = filepath.Abs(dst); err != nil {
		return err
	}
	if cmd.Args().Len() > 2 {
		log.Warn("Malformed command line, too many destinations", zap.Strings("ignoring", cmd.Args().Slice()[2:]))
	}

	env.NoDirs, env.Overwrite = cmd.Bool("nodirs"), cmd.Bool("overwrite")

	// Since zip "standard" does not define file name encoding we may need to
	// force archaic code page for old archives
	cp := cmd.String("force-zip-cp")
	if len(cp) > 0 {
		env.CodePage, err = ianaindex.IANA.Encoding(cp)
		if err != nil {
			log.Warn("Unknown character set specification. Ignoring...", zap.String("charset", cp), zap.Error(err))
			env.CodePage = nil
		} else {
			n, _ := ianaindex.IANA.Name(env.CodePage)
			log.Debug("Forcefully converting all non UTF-8 file names in archives", zap.String("charset", n))
		}
	}

	j, err := newJob(env, cmd.String("pathname"), log)
	if err != nil {
		return err
	}
	defer func() {
		if er := j.dims.Close(env.Rpt); er != nil {
			log.Warn("Unable to release image resolution resources", zap.Error(er))
		}
	}()

	log.Info("Processing starting", zap.String("source", src), zap.String("destination", dst), zap.Stringer("run", env.RunID))
	defer func(start time.Time) {
		log.Info("Processing completed", zap.Duration("elapsed", time.Since(start)))
	}(time.Now())

	return process(ctx, src, dst, j)
}

func newJob(env *state.LocalEnv, route string, log *zap.Logger) (*job, error) {
	conv, err := page.NewConverter(env.Cfg, env.Log)
	if err != nil {
		return nil, fmt.Errorf("unable to prepare page converter: %w", err)
	}
	dims, err := newMeasurer(&env.Cfg.Dimensions, env.Log)
	if err != nil {
		return nil, err
	}
	return &job{conv: conv, dims: dims, route: route, log: log}, nil
}

// process determines the input type (directory, archive, or single file) and
// processes accordingly.
func process(ctx context.Context, src, dst string, j *job) error {
	var head, tail string
	for head = src; len(head) != 0; head, tail = filepath.Split(head) {
		if err := ctx.Err(); err != nil {
			return err
		}

		head = strings.TrimSuffix(head, string(filepath.Separator))

		fi, err := os.Stat(head)
		if err != nil {
			// does not exists - probably path in archive
			continue
		}

		if fi.Mode().IsDir() {
			if len(tail) != 0 {
				// directory cannot have tail - it would be simple file
				return fmt.Errorf("input source was not found (%s) => (%s)", head, strings.TrimPrefix(src, head))
			}
			if err := processDir(ctx, head, dst, j); err != nil {
				return fmt.Errorf("unable to process directory: %w", err)
			}
			break
		}

		if !fi.Mode().IsRegular() {
			return fmt.Errorf("unexpected path mode for (%s) => (%s)", head, strings.TrimPrefix(src, head))
		}

		isArchive, err := isArchiveFile(head)
		if err != nil {
			return fmt.Errorf("unable to check archive type: %w", err)
		}
		if isArchive {
			// we need to look inside to see if path makes sense
			tail = strings.TrimPrefix(strings.TrimPrefix(src, head), string(filepath.Separator))
			if err := processArchive(ctx, head, filepath.ToSlash(tail), "", dst, j); err != nil {
				return fmt.Errorf("unable to process archive: %w", err)
			}
			break
		}

		isPage, err := isPageFile(head)
		if err != nil {
			return fmt.Errorf("unable to check file type: %w", err)
		}
		if isPage && len(tail) == 0 {
			// single page, its route could not be derived from the tree
			route := j.route
			if route == "" {
				route = routeFor(filepath.Base(head))
			}
			if file, err := os.Open(head); err != nil {
				j.log.Error("Unable to process file", zap.String("file", head), zap.Error(err))
			} else {
				defer file.Close()
				if err := processPage(ctx, file, filepath.Base(head), route, dst, j); err != nil {
					j.log.Error("Unable to process file", zap.String("file", head), zap.Error(err))
				}
			}
			break
		}
		return fmt.Errorf("input was not recognized as HTML page (%s)", head)
	}
	if len(head) == 0 {
		return fmt.Errorf("input source was not found (%s)", src)
	}
	return nil
}

// processDir walks directory tree finding pages and archives and processes
// them. Routes are derived from page paths relative to dir.
func processDir(ctx context.Context, dir, dst string, j *job) (err error) {
	count := 0
	defer func() {
		if err == nil && count == 0 {
			j.log.Debug("Nothing to process", zap.String("dir", dir))
		}
	}()

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err != nil {
			j.log.Warn("Skipping path", zap.String("path", path), zap.Error(err))
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel := strings.TrimPrefix(strings.TrimPrefix(path, dir), string(filepath.Separator))

		isArchive, err := isArchiveFile(path)
		if err != nil {
			j.log.Warn("Skipping file", zap.String("file", path), zap.Error(err))
			return nil
		}
		if isArchive {
			if err := processArchive(ctx, path, "", filepath.Dir(rel), dst, j); err != nil {
				j.log.Error("Unable to process archive", zap.String("file", path), zap.Error(err))
			}
			return nil
		}

		isPage, err := isPageFile(path)
		if err != nil {
			j.log.Warn("Skipping file", zap.String("file", path), zap.Error(err))
			return nil
		}
		if !isPage {
			j.log.Debug("Skipping file, not recognized as page or archive", zap.String("file", path))
			return nil
		}

		count++

		file, err := os.Open(path)
		if err != nil {
			j.log.Error("Unable to process file", zap.String("file", path), zap.Error(err))
			return nil
		}
		defer file.Close()

		if err := processPage(ctx, file, rel, routeFor(rel), dst, j); err != nil {
			j.log.Error("Unable to process file", zap.String("file", path), zap.Error(err))
		}
		return nil
	})
	return err
}

// processArchive walks all pages inside archive under "pathIn" and processes
// them. Routes are derived from paths inside archive.
func processArchive(ctx context.Context, path, pathIn, pathOut, dst string, j *job) (err error) {
	count := 0
	defer func() {
		if err == nil && count == 0 {
			j.log.Debug("Nothing to process", zap.String("archive", path))
		}
	}()

	cp := state.EnvFromContext(ctx).CodePage

	err = archive.Walk(path, pathIn, archive.Pages(pageExtensions...), func(arc string, f *zip.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		isPage, err := isPageInArchive(f)
		if err != nil {
			j.log.Warn("Skipping file in archive",
				zap.String("archive", arc), zap.String("path", f.FileHeader.Name), zap.Error(err))
			return nil
		}
		if !isPage {
			j.log.Debug("Skipping file, not recognized as page", zap.String("archive", arc), zap.String("file", f.FileHeader.Name))
			return nil
		}

		count++

		r, err := f.Open()
		if err != nil {
			j.log.Error("Unable to process file in archive",
				zap.String("archive", arc), zap.String("file", f.FileHeader.Name), zap.Error(err))
			return nil
		}
		defer r.Close()

		pathInArchive := f.FileHeader.Name
		if cp != nil && f.FileHeader.NonUTF8 {
			// forcing zip file name encoding
			if n, err := cp.NewDecoder().String(pathInArchive); err == nil {
				pathInArchive = n
			} else {
				n, _ = ianaindex.IANA.Name(cp)
				j.log.Warn("Unable to convert archive name from specified encoding",
					zap.String("charset", n), zap.String("path", pathInArchive), zap.Error(err))
			}
		}
		rel := filepath.Join(pathOut, filepath.FromSlash(pathInArchive))
		if err := processPage(ctx, r, rel, routeFor(pathInArchive), dst, j); err != nil {
			j.log.Error("Unable to process file in archive",
				zap.String("archive", arc), zap.String("file", f.FileHeader.Name), zap.Error(err))
		}
		return nil
	})
	return err
}

// processPage converts single page. "src" is the path of the page relative to
// the source root (base file name when single file was specified), "route"
// is site pathname of the page. "dst" is the destination directory.
func processPage(ctx context.Context, r io.Reader, src, route, dst string, j *job) (rerr error) {
	env := state.EnvFromContext(ctx)

	var (
		outputName string
		outcome    page.Outcome
		out        *os.File
	)

	j.log.Info("Conversion starting", zap.String("from", src), zap.String("pathname", route))
	defer func(start time.Time) {
		// one broken page must not stop the whole run
		if r := recover(); r != nil {
			j.log.Error("Conversion ended with panic",
				zap.Any("panic", r), zap.Duration("elapsed", time.Since(start)), zap.String("to", outputName), zap.ByteString("stack", debug.Stack()))
			rerr = fmt.Errorf("conversion panic: %v", r)
		} else if rerr == nil {
			j.log.Info("Conversion completed", zap.Duration("elapsed", time.Since(start)), zap.String("to", outputName), zap.Stringer("outcome", outcome))
		}
		if rerr != nil && out != nil {
			discardOutput(out, j.log)
		}
	}(time.Now())

	in, enc, err := pageReader(r)
	if err != nil {
		return fmt.Errorf("unable to read page (%s): %w", src, err)
	}
	if enc != "utf-8" {
		j.log.Debug("Page converted to UTF-8", zap.String("from", src), zap.String("charset", enc))
	}

	outputName = buildOutputPath(src, route, dst, env)
	if err := prepareOutput(outputName, env.Overwrite, j.log); err != nil {
		return err
	}

	f, err := os.Create(outputName)
	if err != nil {
		return fmt.Errorf("unable to create output file: %w", err)
	}
	out = f

	dims := j.dims.forPage()
	res, err := j.conv.Convert(ctx, in, out, route, sourceOf(dims))
	j.dims.release(dims, route, env.Rpt)
	if err != nil {
		return fmt.Errorf("unable to convert page (%s): %w", src, err)
	}
	outcome = res.Outcome

	if err := out.Close(); err != nil {
		return fmt.Errorf("unable to write output file: %w", err)
	}
	out = nil

	// Store conversion result for debugging
	if env.Rpt != nil && res.Outcome == page.Target {
		env.Rpt.Store("result/"+filepath.ToSlash(src), outputName)
		env.Rpt.StoreData("outline/"+filepath.ToSlash(src)+".txt", []byte(dbg.Outline(res.Document)))
	}
	return nil
}

// discardOutput removes partially written output, so next run does not
// stumble on it.
func discardOutput(f *os.File, log *zap.Logger) {
	_ = f.Close()
	if err := os.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
		log.Warn("Unable to remove incomplete output", zap.String("file", f.Name()), zap.Error(err))
	}
}

// prepareOutput makes sure output file could be written.
func prepareOutput(name string, overwrite bool, log *zap.Logger) error {
	if _, err := os.Stat(name); err == nil {
		if !overwrite {
			return fmt.Errorf("output file already exists: %s", name)
		}
		log.Warn("Overwriting existing file", zap.String("file", name))
		return os.Remove(name)
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return fmt.Errorf("unable to create output directory: %w", err)
	}
	return nil
}
