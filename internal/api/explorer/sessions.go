package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/mainstem-explorer/internal/humastar"
	"github.com/joeblew999/mainstem-explorer/internal/mapview"
	"github.com/joeblew999/mainstem-explorer/internal/templates"
	"github.com/joeblew999/mainstem-explorer/internal/viewer"
)

const prefix = "/api/v1/viewer"

// SessionHandler exposes viewer sessions: creation, the command stream and
// the browser-to-server interactions.
type SessionHandler struct {
	humastar.Handler
	viewers *viewer.Manager
}

func NewSessionHandler(viewers *viewer.Manager, renderer *templates.Renderer, log *slog.Logger) *SessionHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SessionHandler{
		Handler: humastar.Handler{Renderer: renderer, Logger: log.With("component", "explorer")},
		viewers: viewers,
	}
}

func (h *SessionHandler) RegisterRoutes(api huma.API) {
	tags := []string{"viewer"}
	huma.Register(api, huma.Operation{
		OperationID:   "create-viewer-session",
		Method:        http.MethodPost,
		Path:          prefix + "/sessions",
		Summary:       "Create a map session",
		Tags:          tags,
		DefaultStatus: http.StatusCreated,
	}, h.Create)
	huma.Get(api, prefix+"/{id}/stream", h.Stream, huma.OperationTags(tags...))
	huma.Post(api, prefix+"/{id}/events", h.Event, huma.OperationTags(tags...))
	huma.Post(api, prefix+"/{id}/search", h.Search, huma.OperationTags(tags...))
	huma.Post(api, prefix+"/{id}/select", h.Select, huma.OperationTags(tags...))
	huma.Post(api, prefix+"/{id}/filter", h.Filter, huma.OperationTags(tags...))
	huma.Post(api, prefix+"/{id}/layers/{layer}/visibility", h.Visibility, huma.OperationTags(tags...))
	huma.Put(api, prefix+"/{id}/style", h.Style, huma.OperationTags(tags...))
	huma.Delete(api, prefix+"/{id}", h.Delete, huma.OperationTags(tags...))
}

type SessionInput struct {
	ID string `path:"id" doc:"Viewer session ID"`
}

type SessionBody struct {
	ID     string `json:"id" doc:"Session ID"`
	Stream string `json:"stream" doc:"Datastar SSE stream of map commands"`
	Events string `json:"events" doc:"Endpoint receiving map events"`
}

type EventInput struct {
	SessionInput
	RawBody []byte
}

type SignalsInput struct {
	SessionInput
	humastar.SignalsInput
}

type SelectInput struct {
	SessionInput
	MainstemID string `query:"id" doc:"Mainstem to select; empty clears the selection"`
}

type VisibilityInput struct {
	SessionInput
	Layer   string `path:"layer" doc:"Controllable layer ID" example:"datasets"`
	Visible bool   `query:"visible" doc:"Whether the layer is shown"`
}

type StyleInput struct {
	SessionInput
	Body struct {
		Style string `json:"style" minLength:"1" doc:"Map style URL"`
	}
}

func (h *SessionHandler) session(id string) (*viewer.Session, error) {
	s, ok := h.viewers.Get(id)
	if !ok {
		return nil, huma.Error404NotFound("viewer session not found")
	}
	return s, nil
}

func sessionError(err error) error {
	if errors.Is(err, viewer.ErrClosed) {
		return huma.Error410Gone("viewer session closed")
	}
	return err
}

func (h *SessionHandler) Create(ctx context.Context, input *humastar.EmptyInput) (*struct{ Body SessionBody }, error) {
	s := h.viewers.Create()
	return &struct{ Body SessionBody }{Body: SessionBody{
		ID:     s.ID(),
		Stream: prefix + "/" + s.ID() + "/stream",
		Events: prefix + "/" + s.ID() + "/events",
	}}, nil
}

// Stream replays the session's state and then forwards every update until
// the client disconnects or the session is closed. A disconnect destroys the
// browser map, so it tears the session down.
func (h *SessionHandler) Stream(ctx context.Context, input *SessionInput) (*huma.StreamResponse, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	out, stop, err := s.Subscribe()
	if err != nil {
		return nil, sessionError(err)
	}
	return h.Handler.Stream(func(sse humastar.SSE) {
		defer stop()
		for {
			for _, u := range out.Drain() {
				if err := send(sse, u); err != nil {
					h.Logger.Debug("viewer stream ended", "session", input.ID, "error", err)
					return
				}
			}
			if out.Closed() {
				return
			}
			select {
			case <-ctx.Done():
				stop()
				h.viewers.Close(input.ID)
				return
			case <-out.Ready():
			}
		}
	}), nil
}

func (h *SessionHandler) Event(ctx context.Context, input *EventInput) (*struct{}, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	var ev mapview.Event
	if err := json.Unmarshal(input.RawBody, &ev); err != nil {
		return nil, huma.Error400BadRequest("Invalid map event: " + err.Error())
	}
	if ev.Type == "" {
		return nil, huma.Error400BadRequest("Map event type is required")
	}
	if err := s.Send(ctx, ev); err != nil {
		return nil, sessionError(err)
	}
	return nil, nil
}

func (h *SessionHandler) Search(ctx context.Context, input *SignalsInput) (*struct{}, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	signals, err := input.Parse()
	if err != nil {
		return nil, err
	}
	s.Search(signals.String("query"))
	return nil, nil
}

func (h *SessionHandler) Select(ctx context.Context, input *SelectInput) (*struct{}, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	if err := s.Select(input.MainstemID); err != nil {
		return nil, huma.Error422UnprocessableEntity("Selection failed", err)
	}
	return nil, nil
}

func (h *SessionHandler) Filter(ctx context.Context, input *SignalsInput) (*struct{}, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	signals, err := input.Parse()
	if err != nil {
		return nil, err
	}
	s.FilterDatasets(signals.String("variable"))
	return nil, nil
}

func (h *SessionHandler) Visibility(ctx context.Context, input *VisibilityInput) (*struct{}, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	if err := s.SetVisible(input.Layer, input.Visible); err != nil {
		return nil, huma.Error404NotFound(err.Error())
	}
	return nil, nil
}

func (h *SessionHandler) Style(ctx context.Context, input *StyleInput) (*struct{}, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	s.SetStyle(input.Body.Style)
	return nil, nil
}

func (h *SessionHandler) Delete(ctx context.Context, input *SessionInput) (*struct{}, error) {
	if !h.viewers.Close(input.ID) {
		return nil, huma.Error404NotFound("viewer session not found")
	}
	return nil, nil
}
