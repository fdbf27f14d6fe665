package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/imgquorum/quorum/models"
	"github.com/imgquorum/quorum/persist"
	"github.com/imgquorum/quorum/review"
	"github.com/imgquorum/quorum/verdict"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
)

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "quorumd"})
}

func (srv *Server) HandleAnalyzeImage(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandleAnalyzeImage")
	defer span.End()

	imageID := c.Param("imageId")
	span.SetAttributes(attribute.String("imageID", imageID))
	image, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("reading image body: %s", err))
	}
	if len(image) == 0 {
		return c.JSON(400, GenericError{Error: "EmptyImage", Message: "request body must contain image bytes"})
	}

	uctx := verdict.UploadContext{
		Filename:    c.QueryParam("filename"),
		ContentType: c.Request().Header.Get(echo.HeaderContentType),
		Size:        int64(len(image)),
		UploaderID:  c.Request().Header.Get("X-Uploader-Id"),
	}
	out, err := srv.svc.Pipeline.AnalyzeAndPersistImage(ctx, imageID, image, uctx)
	if err != nil {
		span.RecordError(err)
		srv.logger.Error("image analysis failed", "imageID", imageID, "err", err)
		if out != nil {
			return c.JSON(500, out)
		}
		return c.JSON(500, GenericError{Error: "InternalError", Message: err.Error()})
	}
	return c.JSON(200, out)
}

type ReviewList struct {
	Reviews   []review.ReviewItem `json:"reviews"`
	Reviewers []review.Reviewer   `json:"reviewers"`
}

func (srv *Server) HandleListReviews(c echo.Context) error {
	var f review.Filter
	if p := c.QueryParam("priority"); p != "" {
		prio, err := verdict.ParsePriority(p)
		if err != nil {
			return c.JSON(400, GenericError{Error: "InvalidPriority", Message: err.Error()})
		}
		f.Priority = prio
	}
	f.AssignedTo = c.QueryParam("assignee")
	if l := c.QueryParam("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 0 {
			return c.JSON(400, GenericError{Error: "InvalidLimit", Message: fmt.Sprintf("invalid limit: %q", l)})
		}
		f.Limit = limit
	}
	return c.JSON(200, ReviewList{
		Reviews:   srv.svc.Scheduler.ListPending(f),
		Reviewers: srv.svc.Scheduler.Reviewers(),
	})
}

type CompleteReviewRequest struct {
	Actor      string `json:"actor"`
	Resolution string `json:"resolution"`
}

func (srv *Server) HandleCompleteReview(c echo.Context) error {
	ctx := c.Request().Context()
	reviewID := c.Param("reviewId")

	var req CompleteReviewRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Actor == "" {
		return c.JSON(400, GenericError{Error: "MissingActor", Message: "actor is required"})
	}

	// items restored only in the database (eg, after a restart) can still be completed
	_, inQueue := srv.svc.Scheduler.Pop(reviewID)
	status := models.ReviewStatusCompleted
	upd := persist.ReviewUpdate{Status: &status}
	if req.Resolution != "" {
		upd.Resolution = &req.Resolution
	}
	err := srv.svc.Store.UpdateReviewItem(ctx, reviewID, upd, req.Actor)
	if errors.Is(err, persist.ErrNotFound) && !inQueue {
		return c.JSON(404, GenericError{Error: "ReviewNotFound", Message: reviewID})
	} else if err != nil && !errors.Is(err, persist.ErrNotFound) {
		return err
	}
	reviewActions.WithLabelValues("complete").Inc()
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "quorumd"})
}

type ReassignReviewRequest struct {
	// empty re-runs automatic assignment
	ReviewerID string `json:"reviewerId"`
}

func (srv *Server) HandleReassignReview(c echo.Context) error {
	var req ReassignReviewRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	item, err := srv.svc.Scheduler.Reassign(c.Param("reviewId"), req.ReviewerID)
	if err != nil {
		return srv.reviewError(c, err)
	}
	if err := srv.svc.Store.SaveReviewItem(c.Request().Context(), item, 0); err != nil {
		return err
	}
	reviewActions.WithLabelValues("reassign").Inc()
	return c.JSON(200, item)
}

type EscalateReviewRequest struct {
	Reason string `json:"reason"`
}

func (srv *Server) HandleEscalateReview(c echo.Context) error {
	var req EscalateReviewRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Reason == "" {
		req.Reason = "manual escalation"
	}
	item, err := srv.svc.Scheduler.Escalate(c.Param("reviewId"), req.Reason)
	if err != nil {
		return srv.reviewError(c, err)
	}
	if err := srv.svc.Store.SaveReviewItem(c.Request().Context(), item, 0); err != nil {
		return err
	}
	reviewActions.WithLabelValues("escalate").Inc()
	return c.JSON(200, item)
}

func (srv *Server) reviewError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, review.ErrReviewNotFound):
		return c.JSON(404, GenericError{Error: "ReviewNotFound", Message: err.Error()})
	case errors.Is(err, review.ErrReviewerNotFound):
		return c.JSON(400, GenericError{Error: "ReviewerNotFound", Message: err.Error()})
	}
	return err
}

type FeedbackRequest struct {
	ImageID       string `json:"imageId"`
	GroundTruth   string `json:"groundTruth"`
	CorrectAction string `json:"correctAction"`
}

func (srv *Server) HandleFeedback(c echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.ImageID == "" {
		return c.JSON(400, GenericError{Error: "MissingImageId", Message: "imageId is required"})
	}
	known := srv.svc.Tracker.ProvideFeedback(req.ImageID, req.GroundTruth, req.CorrectAction)
	feedbackReceived.WithLabelValues(strconv.FormatBool(known)).Inc()
	if !known {
		return c.JSON(404, GenericError{Error: "AnalysisNotFound", Message: "no recent analysis recorded for image"})
	}
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "quorumd"})
}

func (srv *Server) HandleModelPerformance(c echo.Context) error {
	return c.JSON(200, srv.svc.Tracker.Performance())
}

func (srv *Server) HandleModelWeights(c echo.Context) error {
	return c.JSON(200, srv.svc.Tracker.AdaptiveWeights())
}

func (srv *Server) HandleResetLearning(c echo.Context) error {
	srv.svc.Tracker.ResetLearning()
	srv.logger.Warn("model performance tracking reset")
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "quorumd"})
}
