package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/supportly/authz/pkg/audit"
	"github.com/supportly/authz/pkg/httputil"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
	maxExportRows     = 10000
)

// parseAuditFilter reads user_id, performed_by, role_id, ip, actions, from,
// to, limit and offset from the query string
func parseAuditFilter(r *http.Request, defaultLimit, maxLimit int) (audit.Filter, error) {
	var f audit.Filter
	var err error

	if f.UserID, err = httputil.ParseQueryInt64Ptr(r, "user_id"); err != nil {
		return f, err
	}
	if f.PerformedBy, err = httputil.ParseQueryInt64Ptr(r, "performed_by"); err != nil {
		return f, err
	}
	if f.RoleID, err = httputil.ParseQueryInt64Ptr(r, "role_id"); err != nil {
		return f, err
	}
	if f.From, err = httputil.ParseQueryTime(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = httputil.ParseQueryTime(r, "to"); err != nil {
		return f, err
	}
	f.IPAddress = r.URL.Query().Get("ip")

	for _, a := range httputil.ParseQueryList(r, "actions") {
		action := audit.Action(a)
		if !action.Valid() {
			return f, fmt.Errorf("unknown audit action: %s", a)
		}
		f.Actions = append(f.Actions, action)
	}

	if f.Limit, err = httputil.ParseQueryInt(r, "limit", defaultLimit); err != nil {
		return f, err
	}
	if f.Limit <= 0 || f.Limit > maxLimit {
		return f, fmt.Errorf("limit must be between 1 and %d", maxLimit)
	}
	if f.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil {
		return f, err
	}
	if f.Offset < 0 {
		return f, fmt.Errorf("offset must not be negative")
	}
	return f, nil
}

func (s *Server) searchAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r, defaultAuditLimit, maxAuditLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	entries, err := s.deps.Audits.Search(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	httputil.WriteSuccess(w, entries)
}

func (s *Server) exportAudit(w http.ResponseWriter, r *http.Request) {
	format := audit.Format(httputil.ParseQueryStringDefault(r, "format", string(audit.FormatCSV)))
	switch format {
	case audit.FormatJSON, audit.FormatNDJSON, audit.FormatCSV:
	default:
		httputil.WriteBadRequest(w, "format must be json, ndjson or csv")
		return
	}

	filter, err := parseAuditFilter(r, maxExportRows, maxExportRows)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	entries, err := s.deps.Audits.Search(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := audit.Export(entries, format)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	filename := fmt.Sprintf("permission-audit-%s.%s", time.Now().UTC().Format("20060102-150405"), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
