package sourcemaps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-sourcemap/sourcemap"
	"github.com/grafana/regexp"
	"github.com/grafana/stackproc/pkg/util"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vincent-petithory/dataurl"
)

// SourceMap is a parsed source map together with the URL it was loaded from.
type SourceMap struct {
	URL      string
	Consumer *sourcemap.Consumer
}

// SourceMapStore looks up source maps for minified files. A nil SourceMap
// with a nil error means no source map exists for the file.
type SourceMapStore interface {
	GetSourceMap(ctx context.Context, sourceURL string, release string) (*SourceMap, error)
}

type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type fileService interface {
	Stat(name string) (fs.FileInfo, error)
	ReadFile(name string) ([]byte, error)
}

type osFileService struct{}

func (osFileService) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }
func (osFileService) ReadFile(name string) ([]byte, error)  { return os.ReadFile(name) }

type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

var reSourceMap = regexp.MustCompile("//[#@]\\s(source(?:Mapping)?URL)=\\s*(?P<url>\\S+)\r?\n?$")

// Store loads source maps from the filesystem, S3 or by downloading them,
// and caches the result, including the absence of a source map.
type Store struct {
	log     log.Logger
	args    Config
	cli     httpClient
	fs      fileService
	s3      objectGetter
	metrics *sourceMapMetrics

	// mut serializes loads so that a source map is only fetched once.
	mut   sync.Mutex
	cache *lru.Cache[string, *SourceMap]
}

var _ SourceMapStore = (*Store)(nil)

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithHTTPClient sets the client used to download source files and maps.
func WithHTTPClient(cli httpClient) StoreOption {
	return func(s *Store) { s.cli = cli }
}

// WithFileService sets how filesystem locations are read.
func WithFileService(fs fileService) StoreOption {
	return func(s *Store) { s.fs = fs }
}

// WithS3Client sets the client used for the S3 location.
func WithS3Client(cli objectGetter) StoreOption {
	return func(s *Store) { s.s3 = cli }
}

// NewStore creates a Store.
func NewStore(l log.Logger, args Config, reg prometheus.Registerer, opts ...StoreOption) (*Store, error) {
	size := args.CacheSize
	if size <= 0 {
		size = DefaultConfig.CacheSize
	}
	cache, err := lru.New[string, *SourceMap](size)
	if err != nil {
		return nil, fmt.Errorf("creating source map cache: %w", err)
	}

	s := &Store{
		log:     l,
		args:    args,
		cli:     &http.Client{Timeout: args.DownloadTimeout},
		fs:      osFileService{},
		metrics: newSourceMapMetrics(reg),
		cache:   cache,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GetSourceMap implements SourceMapStore.
func (s *Store) GetSourceMap(ctx context.Context, sourceURL string, release string) (*SourceMap, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	cacheKey := fmt.Sprintf("%s__%s", sourceURL, release)
	if sm, ok := s.cache.Get(cacheKey); ok {
		return sm, nil
	}

	content, sourceMapURL, err := s.getSourceMapContent(ctx, sourceURL, release)
	if err != nil || content == nil {
		s.cache.Add(cacheKey, nil)
		s.metrics.cacheSize.Set(float64(s.cache.Len()))
		return nil, err
	}

	consumer, err := sourcemap.Parse(sourceMapURL, content)
	if err != nil {
		s.cache.Add(cacheKey, nil)
		s.metrics.cacheSize.Set(float64(s.cache.Len()))
		level.Debug(s.log).Log("msg", "failed to parse source map", "url", sourceMapURL, "release", release, "err", err)
		return nil, fmt.Errorf("parsing source map %s: %w", sourceMapURL, err)
	}
	level.Info(s.log).Log("msg", "successfully parsed source map", "url", sourceMapURL, "release", release)

	sm := &SourceMap{URL: sourceMapURL, Consumer: consumer}
	s.cache.Add(cacheKey, sm)
	s.metrics.cacheSize.Set(float64(s.cache.Len()))
	return sm, nil
}

func (s *Store) getSourceMapContent(ctx context.Context, sourceURL string, release string) (content []byte, sourceMapURL string, err error) {
	for _, loc := range s.args.Locations {
		content, sourceMapURL, err = s.getSourceMapFromFileSystem(sourceURL, release, loc)
		if content != nil || err != nil {
			return content, sourceMapURL, err
		}
	}

	if s.args.S3 != nil && s.s3 != nil {
		content, sourceMapURL, err = s.getSourceMapFromS3(ctx, sourceURL, release, *s.args.S3)
		if content != nil || err != nil {
			return content, sourceMapURL, err
		}
	}

	if s.args.Download && strings.HasPrefix(sourceURL, "http") && util.URLMatchesOrigins(sourceURL, s.args.DownloadFromOrigins) {
		return s.downloadSourceMapContent(ctx, sourceURL)
	}
	return nil, "", nil
}

// relativeMapPath returns the path of the source map of sourceURL below
// prefix, or false if sourceURL is not served under prefix.
func relativeMapPath(sourceURL, prefix string) ([]string, bool) {
	if len(sourceURL) == 0 || !strings.HasPrefix(sourceURL, prefix) || strings.HasSuffix(sourceURL, "/") {
		return nil, false
	}
	var parts []string
	for _, part := range strings.Split(strings.TrimPrefix(sourceURL, prefix), "/") {
		if len(part) > 0 && part != "." && part != ".." {
			parts = append(parts, part)
		}
	}
	return parts, len(parts) > 0
}

func (s *Store) getSourceMapFromFileSystem(sourceURL string, release string, loc Location) (content []byte, sourceMapURL string, err error) {
	parts, ok := relativeMapPath(sourceURL, loc.MinifiedPathPrefix)
	if !ok {
		return nil, "", nil
	}
	pathParts := append([]string{strings.Replace(loc.Path, "{RELEASE}", cleanFilePathPart(release), 1)}, parts...)
	mapFilePath := filepath.Join(pathParts...) + ".map"

	if _, err := s.fs.Stat(mapFilePath); err != nil {
		s.metrics.fileReads.WithLabelValues(getOrigin(sourceURL), "not_found").Inc()
		level.Debug(s.log).Log("msg", "source map not found on filesystem", "url", sourceURL, "file_path", mapFilePath)
		return nil, "", nil
	}
	level.Debug(s.log).Log("msg", "source map found on filesystem", "url", sourceURL, "file_path", mapFilePath)

	content, err = s.fs.ReadFile(mapFilePath)
	if err != nil {
		s.metrics.fileReads.WithLabelValues(getOrigin(sourceURL), "error").Inc()
		return nil, "", fmt.Errorf("reading source map %s: %w", mapFilePath, err)
	}
	s.metrics.fileReads.WithLabelValues(getOrigin(sourceURL), "ok").Inc()
	return content, sourceURL, nil
}

func (s *Store) getSourceMapFromS3(ctx context.Context, sourceURL string, release string, loc S3Location) (content []byte, sourceMapURL string, err error) {
	parts, ok := relativeMapPath(sourceURL, loc.MinifiedPathPrefix)
	if !ok {
		return nil, "", nil
	}
	key := path.Join(append([]string{loc.Prefix, cleanFilePathPart(release)}, parts...)...) + ".map"

	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			s.metrics.s3Reads.WithLabelValues(loc.Bucket, "not_found").Inc()
			level.Debug(s.log).Log("msg", "source map not found in bucket", "url", sourceURL, "bucket", loc.Bucket, "key", key)
			return nil, "", nil
		}
		s.metrics.s3Reads.WithLabelValues(loc.Bucket, "error").Inc()
		return nil, "", fmt.Errorf("s3 get object %s/%s: %w", loc.Bucket, key, err)
	}
	defer out.Body.Close()

	content, err = io.ReadAll(out.Body)
	if err != nil {
		s.metrics.s3Reads.WithLabelValues(loc.Bucket, "error").Inc()
		return nil, "", fmt.Errorf("reading s3 object %s/%s: %w", loc.Bucket, key, err)
	}
	s.metrics.s3Reads.WithLabelValues(loc.Bucket, "ok").Inc()
	return content, sourceURL, nil
}

func (s *Store) downloadFileContents(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.cli.Do(req)
	if err != nil {
		s.metrics.downloads.WithLabelValues(getOrigin(url), "?").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	s.metrics.downloads.WithLabelValues(getOrigin(url), fmt.Sprint(resp.StatusCode)).Inc()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %v", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (s *Store) downloadSourceMapContent(ctx context.Context, sourceURL string) (content []byte, resolvedSourceMapURL string, err error) {
	level.Debug(s.log).Log("msg", "attempting to download source file", "url", sourceURL)

	result, err := s.downloadFileContents(ctx, sourceURL)
	if err != nil {
		level.Debug(s.log).Log("msg", "failed to download source file", "url", sourceURL, "err", err)
		return nil, "", err
	}

	match := reSourceMap.FindAllSubmatch(bytes.TrimRight(result, "\r\n"), -1)
	if len(match) == 0 {
		level.Debug(s.log).Log("msg", "no source map url found in source", "url", sourceURL)
		return nil, "", nil
	}
	sourceMapURL := string(match[len(match)-1][2])

	// inline source map
	if strings.HasPrefix(sourceMapURL, "data:") {
		dataURL, err := dataurl.DecodeString(sourceMapURL)
		if err != nil {
			level.Debug(s.log).Log("msg", "failed to parse inline source map data url", "url", sourceURL, "err", err)
			return nil, "", err
		}
		level.Info(s.log).Log("msg", "successfully parsed inline source map data url", "url", sourceURL)
		return dataURL.Data, sourceURL + ".map", nil
	}

	// remote source map
	resolvedSourceMapURL = sourceMapURL

	// if url is relative, attempt to resolve absolute
	if !strings.HasPrefix(resolvedSourceMapURL, "http") {
		base, err := url.Parse(sourceURL)
		if err != nil {
			level.Debug(s.log).Log("msg", "failed to parse source url", "url", sourceURL, "err", err)
			return nil, "", err
		}
		relative, err := url.Parse(sourceMapURL)
		if err != nil {
			level.Debug(s.log).Log("msg", "failed to parse source map url", "url", sourceURL, "sourceMapURL", sourceMapURL, "err", err)
			return nil, "", err
		}
		resolvedSourceMapURL = base.ResolveReference(relative).String()
		level.Debug(s.log).Log("msg", "resolved absolute source map url", "url", sourceURL, "sourceMapURL", resolvedSourceMapURL)
	}

	level.Debug(s.log).Log("msg", "attempting to download source map file", "url", resolvedSourceMapURL)
	result, err = s.downloadFileContents(ctx, resolvedSourceMapURL)
	if err != nil {
		level.Debug(s.log).Log("msg", "failed to download source map file", "url", resolvedSourceMapURL, "err", err)
		return nil, "", err
	}
	return result, resolvedSourceMapURL, nil
}

func getOrigin(URL string) string {
	parsed, err := url.Parse(URL)
	if err != nil || parsed.Host == "" {
		return "?"
	}
	return fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
}

func cleanFilePathPart(x string) string {
	return strings.TrimLeft(strings.ReplaceAll(strings.ReplaceAll(x, "\\", ""), "/", ""), ".")
}

// varStore is a SourceMapStore whose backing store can be swapped at runtime,
// so the globally registered plugin can pick up the configured store.
type varStore struct {
	mut   sync.RWMutex
	inner SourceMapStore
}

var _ SourceMapStore = (*varStore)(nil)

func (vs *varStore) GetSourceMap(ctx context.Context, sourceURL string, release string) (*SourceMap, error) {
	vs.mut.RLock()
	defer vs.mut.RUnlock()

	if vs.inner != nil {
		return vs.inner.GetSourceMap(ctx, sourceURL, release)
	}
	return nil, fmt.Errorf("no source map store configured")
}

func (vs *varStore) SetInner(inner SourceMapStore) {
	vs.mut.Lock()
	defer vs.mut.Unlock()
	vs.inner = inner
}

func (vs *varStore) configured() bool {
	vs.mut.RLock()
	defer vs.mut.RUnlock()
	return vs.inner != nil
}
