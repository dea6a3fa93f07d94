package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/robertmeta/tumblelog/config"
	"github.com/robertmeta/tumblelog/delicious"
	"github.com/robertmeta/tumblelog/feed"
	"github.com/robertmeta/tumblelog/importer"
	"github.com/robertmeta/tumblelog/model"
	"github.com/robertmeta/tumblelog/opml"
	"github.com/urfave/cli/v2"
)

// sourceFactory builds the bookmark source of an importer. A non-empty file
// replaces every source with a saved posts/all document.
func sourceFactory(conf *config.Config, file string) importer.SourceFactory {
	return func(imp *model.Importer) (importer.Source, error) {
		if file != "" {
			return &delicious.FileSource{Path: file, Tag: imp.Tags}, nil
		}

		switch imp.Source {
		case model.SourceAPI:
			password := imp.Password
			if password == "" {
				password = config.Password()
			}
			if password == "" {
				return nil, fmt.Errorf("%w: no password for %s (set %s)", model.ErrInvalid, imp.Username, config.PasswordEnv)
			}
			return delicious.NewClient(delicious.Config{
				BaseURL:   conf.Import.BaseURL,
				Username:  imp.Username,
				Password:  password,
				Tag:       imp.Tags,
				UserAgent: conf.Import.UserAgent,
				Timeout:   conf.Import.Timeout,
				Attempts:  conf.Import.Attempts,
				Backoff:   conf.Import.Backoff,
			}), nil
		case model.SourceRSS:
			src := feed.NewSource(imp.SourceURL)
			src.Tag = imp.Tags
			src.Timeout = conf.Import.Timeout
			src.Attempts = conf.Import.Attempts
			src.Backoff = conf.Import.Backoff
			return src, nil
		}
		return nil, fmt.Errorf("%w: unknown importer source %q", model.ErrInvalid, imp.Source)
	}
}

func addImporter(c *cli.Context) error {
	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	blog, err := s.GetBlogBySlug(c.String("blog"))
	if err != nil {
		return exitErr("Failed to get blog", err)
	}

	imp := &model.Importer{
		BlogID:    blog.ID,
		Source:    c.String("source"),
		SourceURL: c.String("url"),
		Username:  c.String("user"),
		Password:  c.String("password"),
		Tags:      c.String("tag"),
	}
	if since := c.Timestamp("since"); since != nil {
		imp.LastUpdate = since.Unix()
	}

	if err := s.SaveImporter(imp); err != nil {
		return exitErr("Failed to save importer", err)
	}

	return outputJSON(map[string]interface{}{
		"success":  true,
		"importer": imp,
	})
}

func listImporters(c *cli.Context) error {
	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	var blogID int64
	if slug := c.String("blog"); slug != "" {
		blog, err := s.GetBlogBySlug(slug)
		if err != nil {
			return exitErr("Failed to get blog", err)
		}
		blogID = blog.ID
	}

	importers, err := s.GetAllImporters(blogID)
	if err != nil {
		return exitErr("Failed to get importers", err)
	}

	return outputJSON(importers)
}

func resetImporter(c *cli.Context) error {
	id, err := parseID(c, "importer")
	if err != nil {
		return err
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	var watermark int64
	if to := c.Timestamp("to"); to != nil {
		watermark = to.Unix()
	}
	if err := s.UpdateWatermark(id, watermark); err != nil {
		return exitErr("Failed to reset importer", err)
	}

	return outputJSON(map[string]interface{}{
		"success":     true,
		"importer_id": id,
		"last_update": watermark,
	})
}

func runImports(c *cli.Context) error {
	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	file := c.String("file")
	importerID := c.Int64("importer")
	if file != "" && importerID == 0 {
		return cli.Exit("--file requires --importer", ExitUsageError)
	}

	var ids []int64
	if importerID > 0 {
		ids = append(ids, importerID)
	} else {
		importers, err := s.GetAllImporters(0)
		if err != nil {
			return exitErr("Failed to get importers", err)
		}
		for _, imp := range importers {
			ids = append(ids, imp.ID)
		}
	}

	imp := importer.New(s, sourceFactory(cfg, file), importer.WithLeaseTTL(cfg.Import.LeaseTTL))
	results, errs := imp.RunAll(c.Context, ids, c.Int("concurrency"))

	report := make([]map[string]interface{}, 0, len(ids))
	created, failed := 0, 0
	for n, id := range ids {
		entry := map[string]interface{}{"importer": id}
		if res := results[n]; res != nil {
			entry["result"] = res
			created += res.Created
		}
		if err := errs[n]; err != nil {
			entry["error"] = err.Error()
			failed++
		}
		report = append(report, entry)
	}

	if err := outputJSON(map[string]interface{}{
		"importers":     len(ids),
		"failed":        failed,
		"total_created": created,
		"results":       report,
	}); err != nil {
		return err
	}

	if len(ids) == 1 && errs[0] != nil {
		return exitErr("Import failed", errs[0])
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d imports failed", failed, len(ids)), ExitImportError)
	}
	return nil
}

func importOPML(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: tumblelog importer import-opml <opml-file>", ExitUsageError)
	}

	opmlPath := c.Args().Get(0)

	file, err := os.Open(opmlPath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to open OPML file: %v", err), ExitDataError)
	}
	defer file.Close()

	subs, err := opml.Parse(file)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to parse OPML: %v", err), ExitDataError)
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	existing, err := s.GetAllImporters(0)
	if err != nil {
		return exitErr("Failed to get importers", err)
	}
	known := make(map[string]bool, len(existing))
	for _, imp := range existing {
		if imp.Source == model.SourceRSS {
			known[fmt.Sprintf("%d %s", imp.BlogID, imp.SourceURL)] = true
		}
	}

	imported := 0
	skipped := 0
	var errors []string

	for _, sub := range subs {
		slug := sub.Blog
		if slug == "" {
			slug = c.String("blog")
		}
		blog, err := s.GetBlogBySlug(slug)
		if err != nil {
			skipped++
			errors = append(errors, fmt.Sprintf("%s: %v", sub.URL, err))
			continue
		}

		key := fmt.Sprintf("%d %s", blog.ID, sub.URL)
		if known[key] {
			skipped++
			continue
		}

		imp := &model.Importer{BlogID: blog.ID, Source: model.SourceRSS, SourceURL: sub.URL, Tags: sub.Tag}
		if err := s.SaveImporter(imp); err != nil {
			skipped++
			errors = append(errors, fmt.Sprintf("%s: %v", sub.URL, err))
			continue
		}
		known[key] = true
		imported++
	}

	return outputJSON(map[string]interface{}{
		"success":  true,
		"imported": imported,
		"skipped":  skipped,
		"total":    len(subs),
		"errors":   errors,
	})
}

func exportOPML(c *cli.Context) error {
	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	importers, err := s.GetAllImporters(0)
	if err != nil {
		return exitErr("Failed to get importers", err)
	}

	slugs := map[int64]string{}
	var subs []opml.Subscription
	for _, imp := range importers {
		if imp.Source != model.SourceRSS {
			continue
		}
		slug, ok := slugs[imp.BlogID]
		if !ok {
			blog, err := s.GetBlog(imp.BlogID)
			if err != nil {
				return exitErr("Failed to get blog", err)
			}
			slug = blog.Slug
			slugs[imp.BlogID] = slug
		}
		subs = append(subs, opml.Subscription{Blog: slug, URL: imp.SourceURL, Tag: imp.Tags})
	}

	// Determine output destination
	outputPath := c.String("output")
	var writer io.Writer

	if outputPath == "" {
		writer = os.Stdout
	} else {
		file, err := os.Create(outputPath)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to create output file: %v", err), ExitDataError)
		}
		defer file.Close()
		writer = file
	}

	if err := opml.Generate(writer, subs, time.Now()); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to generate OPML: %v", err), ExitDataError)
	}

	// If outputting to file, also return JSON status
	if outputPath != "" {
		return outputJSON(map[string]interface{}{
			"success": true,
			"file":    outputPath,
			"count":   len(subs),
		})
	}

	return nil
}
