package feedserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/otel"

	"github.com/nederlandskie/feedgen/algos"
	"github.com/nederlandskie/feedgen/store"
)

var tracer = otel.Tracer("feedserver")

// ListenAddr is where the feed-skeleton surface listens. The upstream
// AppView is the only expected caller.
const ListenAddr = "0.0.0.0:3030"

const defaultLimit = 20

// Server serves the feed generator's small HTTP surface: a liveness root,
// the did:web document, and the two app.bsky.feed endpoints.
type Server struct {
	e *echo.Echo

	algos        *algos.Algos
	hostname     string
	serviceDid   string
	publisherDid string
}

func NewServer(a *algos.Algos, hostname, publisherDid string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.CORS())
	e.Use(middleware.Recover())

	s := &Server{
		e:            e,
		algos:        a,
		hostname:     hostname,
		serviceDid:   "did:web:" + hostname,
		publisherDid: publisherDid,
	}

	e.GET("/", s.handleRoot)
	e.GET("/.well-known/did.json", s.handleDidDocument)
	e.GET("/xrpc/app.bsky.feed.describeFeedGenerator", s.handleDescribeFeedGenerator)
	e.GET("/xrpc/app.bsky.feed.getFeedSkeleton", s.handleGetFeedSkeleton)

	return s
}

func (s *Server) Start() error {
	slog.Info("serving feeds", "addr", ListenAddr)
	return s.e.Start(ListenAddr)
}

// Handler exposes the underlying http.Handler.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) handleRoot(c echo.Context) error {
	return c.String(http.StatusOK, "This is a bluesky feed generator. There is nothing to see here.\n")
}

func (s *Server) handleDidDocument(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"@context": []string{"https://www.w3.org/ns/did/v1"},
		"id":       s.serviceDid,
		"service": []map[string]any{
			{
				"id":              "#bsky_fg",
				"type":            "BskyFeedGenerator",
				"serviceEndpoint": "https://" + s.hostname,
			},
		},
	})
}

type describedFeed struct {
	Uri string `json:"uri"`
}

func (s *Server) handleDescribeFeedGenerator(c echo.Context) error {
	feeds := make([]describedFeed, 0, len(s.algos.Names()))
	for _, name := range s.algos.Names() {
		feeds = append(feeds, describedFeed{
			Uri: fmt.Sprintf("at://%s/app.bsky.feed.generator/%s", s.publisherDid, name),
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"did":   s.serviceDid,
		"feeds": feeds,
	})
}

type skeletonPost struct {
	Post string `json:"post"`
}

type feedSkeleton struct {
	Cursor *string        `json:"cursor,omitempty"`
	Feed   []skeletonPost `json:"feed"`
}

func (s *Server) handleGetFeedSkeleton(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "getFeedSkeleton")
	defer span.End()

	feedUri := c.QueryParam("feed")
	name := feedUri
	if idx := strings.LastIndexByte(feedUri, '/'); idx >= 0 {
		name = feedUri[idx+1:]
	}

	algo := s.algos.Get(name)
	if algo == nil {
		return xrpcError(c, http.StatusNotFound, "UnknownFeed", fmt.Sprintf("feed not found: %s", name))
	}

	limit := defaultLimit
	if lp := c.QueryParam("limit"); lp != "" {
		l, err := strconv.Atoi(lp)
		if err != nil || l < 1 || l > 100 {
			return xrpcError(c, http.StatusBadRequest, "InvalidRequest", "limit must be an integer in [1, 100]")
		}
		limit = l
	}

	var earlierThan *store.PostCursor
	if cp := c.QueryParam("cursor"); cp != "" {
		parsed, err := parseCursor(cp)
		if err != nil {
			return err
		}
		earlierThan = parsed
	}

	posts, err := algo.FetchPosts(ctx, limit, earlierThan)
	if err != nil {
		return err
	}

	out := feedSkeleton{Feed: make([]skeletonPost, 0, len(posts))}
	for _, p := range posts {
		out.Feed = append(out.Feed, skeletonPost{Post: p.Uri})
	}
	if len(posts) == limit && len(posts) > 0 {
		last := posts[len(posts)-1]
		cursor := makeCursor(last.IndexedAt, last.Cid)
		out.Cursor = &cursor
	}

	return c.JSON(http.StatusOK, out)
}

// xrpcError formats an error body the way XRPC consumers expect.
func xrpcError(c echo.Context, statusCode int, errType, message string) error {
	return c.JSON(statusCode, map[string]any{
		"error":   errType,
		"message": message,
	})
}
