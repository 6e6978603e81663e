package preprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/Skryldev/image-loader/core"
)

// SchemeInstalledApp prefixes URIs naming the icon of an installed
// application: installedApp://?packageName=<pkg>&versionCode=<n>.
const SchemeInstalledApp = "installedApp://"

var (
	ErrNoAppResolver   = errors.New("no app resolver configured")
	ErrVersionMismatch = errors.New("installed version does not match request")
)

// App describes an installed application.
type App struct {
	ArchivePath string
	VersionCode int64
}

// AppResolver looks up installed applications by package name.
type AppResolver interface {
	Resolve(ctx context.Context, packageName string) (App, error)
}

// AppResolverFunc adapts a function to AppResolver.
type AppResolverFunc func(ctx context.Context, packageName string) (App, error)

func (f AppResolverFunc) Resolve(ctx context.Context, packageName string) (App, error) {
	return f(ctx, packageName)
}

// InstalledAppIcon extracts the icon of an installed application from its
// archive. The request's version code must match the installed one.
type InstalledAppIcon struct{}

func NewInstalledAppIcon() *InstalledAppIcon { return &InstalledAppIcon{} }

func (i *InstalledAppIcon) Name() string { return "installed_app_icon" }

func (i *InstalledAppIcon) Match(req *core.Request) bool {
	return strings.HasPrefix(req.URI, SchemeInstalledApp)
}

// ParseInstalledApp returns the package name and version code of an
// installed app URI.
func ParseInstalledApp(uri string) (string, int64, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", 0, fmt.Errorf("parse %q: %w", uri, err)
	}
	q := u.Query()
	pkg := q.Get("packageName")
	if pkg == "" {
		return "", 0, fmt.Errorf("missing packageName in %q", uri)
	}
	version, err := strconv.ParseInt(q.Get("versionCode"), 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("bad versionCode in %q: %w", uri, err)
	}
	return pkg, version, nil
}

func (i *InstalledAppIcon) Process(ctx context.Context, env *Env, req *core.Request) (*Result, error) {
	pkg, version, err := ParseInstalledApp(req.URI)
	if err != nil {
		return nil, err
	}
	if env == nil || env.Apps == nil {
		return nil, ErrNoAppResolver
	}
	return cached(ctx, env, req.DiskCacheKey(), func(ctx context.Context, w io.Writer) error {
		app, err := env.Apps.Resolve(ctx, pkg)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", pkg, err)
		}
		if app.VersionCode != version {
			return fmt.Errorf("%w: %s installed %d, requested %d", ErrVersionMismatch, pkg, app.VersionCode, version)
		}
		return extractIcon(ctx, env, app.ArchivePath, "", w)
	})
}
