package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/robertmeta/tumblelog/config"
	"github.com/robertmeta/tumblelog/delicious"
	"github.com/robertmeta/tumblelog/logger"
	"github.com/robertmeta/tumblelog/model"
	"github.com/robertmeta/tumblelog/store"
	"github.com/urfave/cli/v2"
)

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitDataError    = 3
	ExitNotFound     = 4
	ExitImportError  = 5
)

var cfg = config.Default()

func main() {
	app := &cli.App{
		Name:    "tumblelog",
		Usage:   "A scriptable tumblelog: posts, date archives and bookmark imports",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Usage:   "Database file path (default from config)",
				EnvVars: []string{"TUMBLELOG_DB"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file (default: nearest tumblelog.yaml)",
				EnvVars: []string{"TUMBLELOG_CONFIG"},
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			{
				Name:  "blog",
				Usage: "Manage blogs",
				Subcommands: []*cli.Command{
					{
						Name:      "add",
						Usage:     "Add a blog",
						ArgsUsage: "<slug>",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "title", Aliases: []string{"t"}, Usage: "Blog title", Required: true},
							&cli.StringFlag{Name: "description", Usage: "Blog description"},
						},
						Action: addBlog,
					},
					{
						Name:   "list",
						Usage:  "List all blogs",
						Action: listBlogs,
					},
				},
			},
			{
				Name:  "post",
				Usage: "Manage posts",
				Subcommands: []*cli.Command{
					{
						Name:  "add",
						Usage: "Add a post",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "blog", Aliases: []string{"b"}, Usage: "Blog slug", Required: true},
							&cli.StringFlag{Name: "kind", Aliases: []string{"k"}, Value: string(model.KindText), Usage: "text, quote, link or photo"},
							&cli.StringFlag{Name: "title", Aliases: []string{"t"}, Usage: "Post title", Required: true},
							&cli.StringFlag{Name: "author", Usage: "Post author"},
							&cli.StringFlag{Name: "tags", Usage: "Space or comma separated tags"},
							&cli.StringFlag{Name: "body", Usage: "Text body"},
							&cli.StringFlag{Name: "quote", Usage: "Quoted text"},
							&cli.StringFlag{Name: "citation", Usage: "Quote source"},
							&cli.StringFlag{Name: "url", Usage: "Link URL"},
							&cli.StringFlag{Name: "description", Usage: "Link or photo set description"},
							&cli.StringSliceFlag{Name: "photo", Usage: "Photo image path, repeatable"},
							&cli.BoolFlag{Name: "publish", Aliases: []string{"p"}, Usage: "Publish now"},
							&cli.TimestampFlag{Name: "at", Layout: time.RFC3339, Usage: "Publish at this time (RFC 3339)"},
						},
						Action: addPost,
					},
					{
						Name:      "publish",
						Usage:     "Publish a post now or at a given time",
						ArgsUsage: "<post-id>",
						Flags: []cli.Flag{
							&cli.TimestampFlag{Name: "at", Layout: time.RFC3339, Usage: "Publish time (RFC 3339)"},
						},
						Action: publishPost,
					},
					{
						Name:      "unpublish",
						Usage:     "Turn a post back into a draft",
						ArgsUsage: "<post-id>",
						Action:    unpublishPost,
					},
					{
						Name:  "list",
						Usage: "List posts including drafts",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "blog", Aliases: []string{"b"}, Usage: "Blog slug"},
							&cli.StringFlag{Name: "kind", Aliases: []string{"k"}, Usage: "Filter by kind"},
							&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 50, Usage: "Maximum number of posts to return"},
							&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Usage: "Offset for pagination"},
							&cli.BoolFlag{Name: "published", Usage: "Show only published posts"},
							&cli.StringFlag{Name: "since", Aliases: []string{"s"}, Usage: "Modified since duration (e.g., 7d, 2w, 3m, 1y)"},
						},
						Action: listPosts,
					},
					{
						Name:      "get",
						Usage:     "Show any post by ID",
						ArgsUsage: "<post-id>",
						Action:    getPost,
					},
					{
						Name:      "remove",
						Usage:     "Delete a post",
						ArgsUsage: "<post-id>",
						Action:    removePost,
					},
				},
			},
			{
				Name:      "archive",
				Usage:     "Page through published posts by date or tag",
				ArgsUsage: "<blog> [YYYY[/MM[/DD]]]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "tag", Aliases: []string{"t"}, Usage: "Posts with any of these tags"},
					&cli.IntFlag{Name: "page", Aliases: []string{"p"}, Value: 1, Usage: "Page number"},
				},
				Action: showArchive,
			},
			{
				Name:      "show",
				Usage:     "Show a published post",
				ArgsUsage: "<blog> <YYYY/MM/DD/slug>",
				Action:    showPost,
			},
			{
				Name:      "tags",
				Usage:     "Tag usage counts of a blog",
				ArgsUsage: "<blog>",
				Action:    listTags,
			},
			{
				Name:      "months",
				Usage:     "Months with published posts",
				ArgsUsage: "<blog>",
				Action:    listMonths,
			},
			{
				Name:  "importer",
				Usage: "Manage bookmark importers",
				Subcommands: []*cli.Command{
					{
						Name:  "add",
						Usage: "Add an importer",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "blog", Aliases: []string{"b"}, Usage: "Blog slug", Required: true},
							&cli.StringFlag{Name: "source", Value: model.SourceAPI, Usage: "api or rss"},
							&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "Bookmark account name (api)"},
							&cli.StringFlag{Name: "password", Usage: "Bookmark account password (api); prefer " + config.PasswordEnv},
							&cli.StringFlag{Name: "url", Usage: "Feed URL (rss)"},
							&cli.StringFlag{Name: "tag", Usage: "Only import bookmarks with this tag"},
							&cli.TimestampFlag{Name: "since", Layout: time.RFC3339, Usage: "Initial watermark (RFC 3339)"},
						},
						Action: addImporter,
					},
					{
						Name:  "list",
						Usage: "List importers",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "blog", Aliases: []string{"b"}, Usage: "Blog slug"},
						},
						Action: listImporters,
					},
					{
						Name:      "reset",
						Usage:     "Move an importer's watermark",
						ArgsUsage: "<importer-id>",
						Flags: []cli.Flag{
							&cli.TimestampFlag{Name: "to", Layout: time.RFC3339, Usage: "New watermark (RFC 3339); zero when omitted"},
						},
						Action: resetImporter,
					},
					{
						Name:      "import-opml",
						Usage:     "Add rss importers from an OPML file",
						ArgsUsage: "<opml-file>",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "blog", Aliases: []string{"b"}, Usage: "Blog slug for feeds outside a blog group"},
						},
						Action: importOPML,
					},
					{
						Name:  "export-opml",
						Usage: "Export rss importers as OPML",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Output file (default: stdout)"},
						},
						Action: exportOPML,
					},
				},
			},
			{
				Name:  "import",
				Usage: "Run bookmark imports",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "importer", Aliases: []string{"i"}, Usage: "Run a specific importer by ID (if not set, runs all)"},
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Read bookmarks from a saved posts/all document instead of the network"},
					&cli.IntFlag{Name: "concurrency", Value: 4, Usage: "Importers run in parallel"},
				},
				Action: runImports,
			},
			{
				Name:      "export",
				Usage:     "Export published link posts as a bookmark XML document",
				ArgsUsage: "<blog>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Output file (default: stdout)"},
					&cli.StringFlag{Name: "user", Usage: "User attribute of the document"},
				},
				Action: exportLinks,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitGeneralError)
	}
}

func setup(c *cli.Context) error {
	loaded, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), ExitUsageError)
	}
	cfg = loaded
	logger.InitFromEnv(config.LogLevelEnv, cfg.Logging.Level)
	return nil
}

func getStore(c *cli.Context) (*store.Store, error) {
	dbPath := cfg.Database
	if c.IsSet("db") {
		dbPath = c.String("db")
	}

	// Create directory if it doesn't exist
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	s, err := store.New(dbPath, store.WithLocation(loc), store.WithPageSize(cfg.PageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return s, nil
}

func outputJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// exitErr maps an error to a cli exit error with a matching code.
func exitErr(msg string, err error) error {
	code := ExitDataError
	var fetchErr *model.ExternalFetchError
	var protoErr *model.ExternalProtocolError
	var partial *model.ImportPartialFailure
	switch {
	case model.IsNotFound(err):
		code = ExitNotFound
	case errors.Is(err, model.ErrInvalid):
		code = ExitUsageError
	case errors.As(err, &fetchErr), errors.As(err, &protoErr), errors.As(err, &partial),
		errors.Is(err, model.ErrInconsistentSource), errors.Is(err, model.ErrLeaseHeld):
		code = ExitImportError
	}
	return cli.Exit(fmt.Sprintf("%s: %v", msg, err), code)
}

func parseID(c *cli.Context, what string) (int64, error) {
	if c.NArg() < 1 {
		return 0, cli.Exit(fmt.Sprintf("Usage: tumblelog %s <%s-id>", c.Command.FullName(), what), ExitUsageError)
	}
	id, err := strconv.ParseInt(c.Args().Get(0), 10, 64)
	if err != nil {
		return 0, cli.Exit(fmt.Sprintf("Invalid %s ID", what), ExitUsageError)
	}
	return id, nil
}

func addBlog(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: tumblelog blog add <slug> --title <title>", ExitUsageError)
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	blog := &model.Blog{
		Slug:        c.Args().Get(0),
		Title:       c.String("title"),
		Description: c.String("description"),
	}
	if err := s.SaveBlog(blog); err != nil {
		return exitErr("Failed to save blog", err)
	}

	return outputJSON(map[string]interface{}{
		"success": true,
		"blog":    blog,
	})
}

func listBlogs(c *cli.Context) error {
	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	blogs, err := s.GetAllBlogs()
	if err != nil {
		return exitErr("Failed to get blogs", err)
	}

	return outputJSON(blogs)
}

func buildPost(c *cli.Context, blogID int64) (*model.Post, error) {
	kind, err := model.ParseKind(c.String("kind"))
	if err != nil {
		return nil, err
	}

	title := c.String("title")
	var p *model.Post
	switch kind {
	case model.KindText:
		p = model.NewTextPost(blogID, title, c.String("body"))
	case model.KindQuote:
		p = model.NewQuotePost(blogID, title, c.String("quote"), c.String("citation"))
	case model.KindLink:
		p = model.NewLinkPost(blogID, title, c.String("url"), c.String("description"))
	case model.KindPhoto:
		var photos []model.Photo
		for _, img := range c.StringSlice("photo") {
			photos = append(photos, model.Photo{Image: img})
		}
		p = model.NewPhotoPost(blogID, title, c.String("description"), photos...)
	}

	p.Author = c.String("author")
	p.Tags = model.ParseTags(c.String("tags"))
	return p, nil
}

func addPost(c *cli.Context) error {
	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	blog, err := s.GetBlogBySlug(c.String("blog"))
	if err != nil {
		return exitErr("Failed to get blog", err)
	}

	p, err := buildPost(c, blog.ID)
	if err != nil {
		return exitErr("Invalid post", err)
	}
	if at := c.Timestamp("at"); at != nil {
		p.Publish(*at, model.SystemClock)
	} else if c.Bool("publish") {
		p.Publish(time.Time{}, model.SystemClock)
	}

	if err := s.SavePost(p); err != nil {
		return exitErr("Failed to save post", err)
	}

	return outputJSON(map[string]interface{}{
		"success": true,
		"post":    p,
	})
}

func publishPost(c *cli.Context) error {
	id, err := parseID(c, "post")
	if err != nil {
		return err
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	p, err := s.PublishPost(id, c.Timestamp("at"))
	if err != nil {
		return exitErr("Failed to publish post", err)
	}

	return outputJSON(map[string]interface{}{
		"success":   true,
		"post":      p,
		"published": p.IsPublished(time.Now()),
	})
}

func unpublishPost(c *cli.Context) error {
	id, err := parseID(c, "post")
	if err != nil {
		return err
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	if err := s.UnpublishPost(id); err != nil {
		return exitErr("Failed to unpublish post", err)
	}

	return outputJSON(map[string]interface{}{
		"success": true,
		"post_id": id,
	})
}

func listPosts(c *cli.Context) error {
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

	opts, err := store.BuildQueryOptions(
		blogID,
		c.String("kind"),
		c.Int("limit"),
		c.Int("offset"),
		c.Bool("published"),
		c.String("since"),
		time.Now(),
	)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid query options: %v", err), ExitUsageError)
	}

	posts, err := s.ListPosts(opts)
	if err != nil {
		return exitErr("Failed to get posts", err)
	}

	return outputJSON(map[string]interface{}{
		"count":  len(posts),
		"limit":  opts.Limit,
		"offset": opts.Offset,
		"posts":  posts,
	})
}

func getPost(c *cli.Context) error {
	id, err := parseID(c, "post")
	if err != nil {
		return err
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	p, err := s.GetPost(id)
	if err != nil {
		return exitErr("Failed to get post", err)
	}

	return outputJSON(p)
}

func removePost(c *cli.Context) error {
	id, err := parseID(c, "post")
	if err != nil {
		return err
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	if err := s.DeletePost(id); err != nil {
		return exitErr("Failed to delete post", err)
	}

	return outputJSON(map[string]interface{}{
		"success": true,
		"post_id": id,
	})
}

func showArchive(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: tumblelog archive <blog> [YYYY[/MM[/DD]]] [--tag <tags>]", ExitUsageError)
	}

	q, err := store.ParseArchivePath(c.Args().Get(0), c.Args().Get(1), c.String("tag"))
	if err != nil {
		return exitErr("Invalid archive query", err)
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	page, err := s.Archive(q, c.Int("page"))
	if err != nil {
		return exitErr("Failed to get archive", err)
	}

	return outputJSON(map[string]interface{}{
		"blog":         page.Blog,
		"view":         page.View,
		"page":         page.Number,
		"num_pages":    page.NumPages,
		"total":        page.Total,
		"has_next":     page.HasNext(),
		"has_previous": page.HasPrevious(),
		"posts":        page.Posts,
	})
}

func showPost(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.Exit("Usage: tumblelog show <blog> <YYYY/MM/DD/slug>", ExitUsageError)
	}

	year, month, day, slug, err := store.ParseDetailPath(c.Args().Get(1))
	if err != nil {
		return exitErr("Invalid post path", err)
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	p, err := s.GetPublishedPost(c.Args().Get(0), year, month, day, slug)
	if err != nil {
		return exitErr("Failed to get post", err)
	}

	return outputJSON(map[string]interface{}{
		"template": p.TemplateName(),
		"post":     p,
	})
}

func listTags(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: tumblelog tags <blog>", ExitUsageError)
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	tags, err := s.TagCounts(c.Args().Get(0))
	if err != nil {
		return exitErr("Failed to get tags", err)
	}

	return outputJSON(tags)
}

func listMonths(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: tumblelog months <blog>", ExitUsageError)
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	months, err := s.ArchiveMonths(c.Args().Get(0))
	if err != nil {
		return exitErr("Failed to get months", err)
	}

	paths := make([]string, 0, len(months))
	for _, m := range months {
		paths = append(paths, m.String())
	}
	return outputJSON(paths)
}

func exportLinks(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: tumblelog export <blog> [--output <file>]", ExitUsageError)
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	blog, err := s.GetBlogBySlug(c.Args().Get(0))
	if err != nil {
		return exitErr("Failed to get blog", err)
	}
	posts, err := s.PublishedPosts(blog.ID)
	if err != nil {
		return exitErr("Failed to get posts", err)
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

	user := c.String("user")
	if user == "" {
		user = blog.Slug
	}
	if err := delicious.Generate(writer, user, posts); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to generate bookmarks: %v", err), ExitDataError)
	}

	// If outputting to file, also return JSON status
	if outputPath != "" {
		links := 0
		for _, p := range posts {
			if p.Kind == model.KindLink {
				links++
			}
		}
		return outputJSON(map[string]interface{}{
			"success": true,
			"file":    outputPath,
			"count":   links,
		})
	}

	return nil
}
