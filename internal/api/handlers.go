package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	xerrors "agent-matrix/internal/errors"
	"agent-matrix/internal/task"
)

type submitRequest struct {
	ID      string `json:"id,omitempty"`
	Command string `json:"command"`
	Wait    bool   `json:"wait,omitempty"`
}

type constraintsBody struct {
	Constraints []string `json:"constraints"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}

	submitted, err := s.commands.Submit(r.Context(), task.SubmitRequest{ID: req.ID, Command: req.Command})
	if err != nil {
		writeError(w, err)
		return
	}

	if !req.Wait && !queryBool(r, "wait") {
		writeJSON(w, http.StatusAccepted, submitted)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout)
	defer cancel()
	final, err := s.commands.WaitUntilCompleted(ctx, submitted.ID, 0)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, final)
	case stdErrors.Is(err, context.DeadlineExceeded) && final != nil:
		writeJSON(w, http.StatusAccepted, final)
	default:
		writeError(w, err)
	}
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	found, err := s.commands.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.commands.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": tasks})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.commands.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListConstraints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, constraintsBody{Constraints: s.constraints.Snapshot()})
}

func (s *Server) handleReplaceConstraints(w http.ResponseWriter, r *http.Request) {
	var body constraintsBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	names := make([]string, 0, len(body.Constraints))
	for _, name := range body.Constraints {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	s.constraints.Replace(names)
	writeJSON(w, http.StatusOK, constraintsBody{Constraints: s.constraints.Snapshot()})
}

func (s *Server) handleAddConstraint(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	if name == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少约束名称"))
		return
	}
	status := http.StatusOK
	if s.constraints.Add(name) {
		status = http.StatusCreated
	}
	writeJSON(w, status, constraintsBody{Constraints: s.constraints.Snapshot()})
}

func (s *Server) handleRemoveConstraint(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	if !s.constraints.Remove(name) {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "约束不存在: "+name))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listOptionsFromQuery 解析 limit、offset、status、since、until、has_result、q 与 order 参数。
func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是整数")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须是整数")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := q.Get("since"); raw != "" {
		ts, err := parseTime(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, task.WithUpdatedSince(ts))
	}
	if raw := q.Get("until"); raw != "" {
		ts, err := parseTime(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, task.WithUpdatedUntil(ts))
	}
	if raw := q.Get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "has_result 必须是布尔值")
		}
		opts = append(opts, task.WithResultPresence(hasResult))
	}
	if raw := q.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	if strings.EqualFold(q.Get("order"), "asc") {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	return opts, nil
}

// parseTime 接受 RFC3339 或 Unix 秒。
func parseTime(raw string) (time.Time, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, xerrors.New(xerrors.CodeInvalidArgument, "时间格式无效: "+raw)
	}
	return ts, nil
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}
