package web

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/internal/catalog"
	"github.com/RezaEskandarii/tubefire/internal/constants"
	"github.com/RezaEskandarii/tubefire/internal/jobqueue"
	"github.com/RezaEskandarii/tubefire/internal/notify"
	"github.com/RezaEskandarii/tubefire/internal/state"
	"github.com/RezaEskandarii/tubefire/internal/store"
	"github.com/RezaEskandarii/tubefire/types"
	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
)

// Topics a client may stream.
var streamTopics = []string{constants.TopicJobs, constants.TopicChannels, constants.TopicCatalog}

type handler struct {
	queue     JobQueue
	sessions  store.SessionFactory
	schedules ScheduleLister
	bus       notify.Bus
	logger    *log.Logger
}

// syncAccount queues a subscription sync for one account ahead of background work.
func (h *handler) syncAccount(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid account id"})
	}

	session, err := h.sessions.OpenSession(ctx)
	if err != nil {
		return errorJSON(c, err)
	}
	account, err := session.GetAccount(ctx, id)
	_ = session.Close()
	if err != nil {
		return errorJSON(c, err)
	}
	if !account.Linked() {
		return errorJSON(c, fmt.Errorf("%w: account %d", custom_errors.ErrNotLinked, id))
	}

	job, err := h.queue.Enqueue(ctx, catalog.SyncAccountJob, catalog.SyncArgs{AccountID: id},
		jobqueue.WithJobID(catalog.SyncJobID(id)),
		jobqueue.WithPriority(types.PriorityFront),
	)
	if err != nil {
		return errorJSON(c, err)
	}
	h.logger.Info("account sync requested", "account_id", id, "job_id", job.ID)
	return c.JSON(http.StatusAccepted, job)
}

// ingestChannel queues a video ingestion for one known channel. date_after (YYYYMMDD) limits how
// far back it reads.
func (h *handler) ingestChannel(c echo.Context) error {
	ctx := c.Request().Context()
	channelID := strings.TrimSpace(c.Param("id"))
	dateAfter := c.QueryParam("date_after")
	if dateAfter != "" {
		if _, err := time.Parse(catalog.DateLayout, dateAfter); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "date_after must be YYYYMMDD"})
		}
	}

	session, err := h.sessions.OpenSession(ctx)
	if err != nil {
		return errorJSON(c, err)
	}
	_, err = session.GetChannel(ctx, channelID)
	_ = session.Close()
	if err != nil {
		return errorJSON(c, err)
	}

	job, err := h.queue.Enqueue(ctx, catalog.IngestChannelJob,
		catalog.IngestArgs{ChannelID: channelID, DateAfter: dateAfter},
		jobqueue.WithJobID(catalog.IngestJobID(channelID)),
		jobqueue.WithPriority(types.PriorityFront),
	)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusAccepted, job)
}

func (h *handler) listJobs(c echo.Context) error {
	status := state.JobStatus(strings.TrimSpace(c.QueryParam("status")))
	if status != "" && !slices.Contains(state.AllStatuses, status) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown status %q", status)})
	}
	jobs, err := h.queue.List(c.Request().Context(), getPageNumber(c), PageSize, status)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, jobs)
}

func (h *handler) jobStats(c echo.Context) error {
	counts, err := h.queue.Stats(c.Request().Context())
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, counts)
}

func (h *handler) getJob(c echo.Context) error {
	job, err := h.queue.Find(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

func (h *handler) cancelJob(c echo.Context) error {
	if err := h.queue.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return errorJSON(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handler) listSchedules(c echo.Context) error {
	return c.JSON(http.StatusOK, h.schedules.Entries())
}

// events streams one notification topic as server-sent events until the client goes away.
func (h *handler) events(c echo.Context) error {
	topic := c.QueryParam("topic")
	if topic == "" {
		topic = constants.TopicJobs
	}
	if !slices.Contains(streamTopics, topic) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown topic %q", topic)})
	}

	ctx := c.Request().Context()
	messages, err := h.bus.Subscribe(ctx, topic)
	if err != nil {
		return errorJSON(c, err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	fmt.Fprint(res, ": subscribed\n\n")
	res.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", msg.Topic, msg.Payload); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}
