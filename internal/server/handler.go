package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	kratoshttp "github.com/go-kratos/kratos/v2/transport/http"
	"github.com/sirupsen/logrus"

	"github.com/go-tangra/go-tangra-audit/internal/store"
)

// Operation names used for middleware selection and logging.
const (
	OperationListHosts          = "/audit.v1.AuditReport/ListHosts"
	OperationListSessions       = "/audit.v1.AuditReport/ListSessions"
	OperationGetSession         = "/audit.v1.AuditReport/GetSession"
	OperationListCheckRuns      = "/audit.v1.AuditReport/ListCheckRuns"
	OperationGetCheckRun        = "/audit.v1.AuditReport/GetCheckRun"
	OperationGetSnapshot        = "/audit.v1.AuditReport/GetSnapshot"
	OperationGetSnapshotContent = "/audit.v1.AuditReport/GetSnapshotContent"
)

// Handler serves the read-only report API over the store.
type Handler struct {
	store *store.Store
	log   *logrus.Entry
}

// NewHandler creates a handler backed by the given store.
func NewHandler(s *store.Store, log *logrus.Entry) *Handler {
	return &Handler{store: s, log: log}
}

// Register mounts the API routes on srv.
func (h *Handler) Register(srv *kratoshttp.Server) {
	r := srv.Route("/v1")
	r.GET("/hosts", h.listHosts)
	r.GET("/sessions", h.listSessions)
	r.GET("/sessions/{id}", h.getSession)
	r.GET("/sessions/{id}/checks", h.listCheckRuns)
	r.GET("/checks/{id}", h.getCheckRun)
	r.GET("/snapshots/{digest}", h.getSnapshot)
	r.GET("/snapshots/{digest}/content", h.getSnapshotContent)
}

// invoke runs fn through the server middleware chain.
func invoke(ctx kratoshttp.Context, operation string, fn func(context.Context) (any, error)) (any, error) {
	kratoshttp.SetOperation(ctx, operation)
	m := ctx.Middleware(func(c context.Context, _ any) (any, error) {
		return fn(c)
	})
	return m(ctx, nil)
}

func (h *Handler) reply(ctx kratoshttp.Context, operation string, fn func(context.Context) (any, error)) error {
	out, err := invoke(ctx, operation, fn)
	if err != nil {
		return err
	}
	return ctx.Result(http.StatusOK, out)
}

func (h *Handler) listHosts(ctx kratoshttp.Context) error {
	return h.reply(ctx, OperationListHosts, func(c context.Context) (any, error) {
		hosts, err := h.store.ListHosts(c)
		if err != nil {
			return nil, h.storeError(err, "list hosts")
		}
		out := ListHostsResponse{Hosts: make([]HostView, len(hosts))}
		for i := range hosts {
			out.Hosts[i] = hostView(hosts[i])
		}
		return out, nil
	})
}

func (h *Handler) listSessions(ctx kratoshttp.Context) error {
	return h.reply(ctx, OperationListSessions, func(c context.Context) (any, error) {
		q := ctx.Query()
		filter := store.ListFilter{
			PageSize: atoiOr(q.Get("page_size"), 0),
			Page:     atoiOr(q.Get("page"), 0),
		}
		sessions, total, err := h.store.ListSessions(c, filter)
		if err != nil {
			return nil, h.storeError(err, "list sessions")
		}
		out := ListSessionsResponse{Sessions: make([]SessionView, len(sessions)), TotalCount: total}
		for i := range sessions {
			out.Sessions[i] = sessionView(sessions[i])
		}
		return out, nil
	})
}

func (h *Handler) getSession(ctx kratoshttp.Context) error {
	return h.reply(ctx, OperationGetSession, func(c context.Context) (any, error) {
		id, err := pathID(ctx)
		if err != nil {
			return nil, err
		}
		sess, err := h.store.GetSession(c, id)
		if err != nil {
			return nil, h.storeError(err, "session "+strconv.FormatInt(id, 10))
		}
		tallies, err := h.store.Tally(c, id)
		if err != nil {
			return nil, h.storeError(err, "tally")
		}
		out := SessionDetail{Session: sessionView(*sess), Hosts: make([]TallyView, len(tallies))}
		for i, t := range tallies {
			out.Hosts[i] = tallyView(t)
		}
		return out, nil
	})
}

func (h *Handler) listCheckRuns(ctx kratoshttp.Context) error {
	return h.reply(ctx, OperationListCheckRuns, func(c context.Context) (any, error) {
		id, err := pathID(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := h.store.GetSession(c, id); err != nil {
			return nil, h.storeError(err, "session "+strconv.FormatInt(id, 10))
		}
		runs, err := h.store.ListCheckRuns(c, id)
		if err != nil {
			return nil, h.storeError(err, "list check runs")
		}
		out := ListCheckRunsResponse{CheckRuns: make([]CheckRunView, len(runs))}
		for i := range runs {
			out.CheckRuns[i] = checkRunView(runs[i])
		}
		return out, nil
	})
}

func (h *Handler) getCheckRun(ctx kratoshttp.Context) error {
	return h.reply(ctx, OperationGetCheckRun, func(c context.Context) (any, error) {
		id, err := pathID(ctx)
		if err != nil {
			return nil, err
		}
		run, err := h.store.GetCheckRun(c, id)
		if err != nil {
			return nil, h.storeError(err, "check run "+strconv.FormatInt(id, 10))
		}
		errs, err := h.store.Errors(c, id)
		if err != nil {
			return nil, h.storeError(err, "errors")
		}
		counts, err := h.store.ResultCounts(c, id)
		if err != nil {
			return nil, h.storeError(err, "result counts")
		}
		out := CheckRunDetail{CheckRun: checkRunView(*run), Results: counts, Errors: make([]ErrorView, len(errs))}
		for i := range errs {
			out.Errors[i] = errorView(errs[i])
		}
		return out, nil
	})
}

func (h *Handler) getSnapshot(ctx kratoshttp.Context) error {
	return h.reply(ctx, OperationGetSnapshot, func(c context.Context) (any, error) {
		digest := ctx.Vars().Get("digest")
		meta, _, err := h.store.GetSnapshot(c, digest)
		if err != nil {
			return nil, h.storeError(err, "snapshot "+digest)
		}
		refs, err := h.store.SnapshotReferences(c, digest)
		if err != nil {
			return nil, h.storeError(err, "snapshot references")
		}
		view := snapshotView(*meta)
		view.References = refs
		return view, nil
	})
}

// getSnapshotContent writes the decoded blob as-is rather than as JSON.
func (h *Handler) getSnapshotContent(ctx kratoshttp.Context) error {
	out, err := invoke(ctx, OperationGetSnapshotContent, func(c context.Context) (any, error) {
		digest := ctx.Vars().Get("digest")
		meta, content, err := h.store.GetSnapshot(c, digest)
		if err != nil {
			return nil, h.storeError(err, "snapshot "+digest)
		}
		return blob{meta: meta, content: content}, nil
	})
	if err != nil {
		return err
	}

	b := out.(blob)
	w := ctx.Response()
	kind := b.meta.ContentKind
	if kind == "" {
		kind = "application/octet-stream"
	}
	w.Header().Set("Content-Type", kind)
	w.Header().Set("Content-Length", strconv.Itoa(len(b.content)))
	w.Header().Set("X-Snapshot-Digest", b.meta.Digest)
	w.Header().Set("X-Snapshot-Truncated", strconv.FormatBool(b.meta.Truncated))
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(b.content)
	return err
}

type blob struct {
	meta    *store.Snapshot
	content []byte
}

func pathID(ctx kratoshttp.Context) (int64, error) {
	raw := ctx.Vars().Get("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, kerrors.BadRequest("INVALID_ID", "invalid id "+strconv.Quote(raw))
	}
	return id, nil
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// storeError maps store errors onto HTTP errors.
func (h *Handler) storeError(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return kerrors.NotFound("NOT_FOUND", what+" not found")
	}
	h.log.WithError(err).Errorf("%s failed", what)
	return kerrors.InternalServer("STORE_ERROR", what+" failed")
}
