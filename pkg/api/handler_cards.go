package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/orket/orket/pkg/coordinator"
	"github.com/orket/orket/pkg/version"
)

// bindStrict decodes a JSON request body rejecting unknown fields and
// trailing data. Numbers decode as json.Number so integer payloads survive
// snapshot canonicalization.
func bindStrict(c *echo.Context, v any) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if dec.More() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: trailing data")
	}
	return nil
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Full(),
	})
}

// listCardsHandler serves GET /api/v1/cards. state=open filters to cards a
// worker may claim right now; no state lists the full inventory.
func (s *Server) listCardsHandler(c *echo.Context) error {
	switch state := c.QueryParam("state"); state {
	case "open":
		return c.JSON(http.StatusOK, s.store.ListEffectiveOpen())
	case "":
		return c.JSON(http.StatusOK, s.store.ListAll())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported state filter: "+state)
	}
}

func (s *Server) claimCardHandler(c *echo.Context) error {
	// 1. Bind and validate the request.
	var req ClaimRequest
	if err := bindStrict(c, &req); err != nil {
		return err
	}
	if err := s.validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// 2. Attempt the claim.
	card, err := s.store.Claim(c.Param("id"), req.NodeID, secondsToDuration(req.LeaseDuration))
	if err != nil {
		return mapStoreError(err)
	}

	slog.Info("Card claimed", "card_id", card.ID, "node_id", req.NodeID, "attempts", card.Attempts)
	return c.JSON(http.StatusOK, card)
}

func (s *Server) renewCardHandler(c *echo.Context) error {
	var req RenewRequest
	if err := bindStrict(c, &req); err != nil {
		return err
	}
	if err := s.validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	card, err := s.store.Renew(c.Param("id"), req.NodeID, secondsToDuration(req.LeaseDuration))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, card)
}

func (s *Server) completeCardHandler(c *echo.Context) error {
	return s.finishCard(c, s.store.Complete)
}

func (s *Server) failCardHandler(c *echo.Context) error {
	return s.finishCard(c, s.store.Fail)
}

func (s *Server) finishCard(c *echo.Context, commit func(string, string, any) (coordinator.Card, error)) error {
	// 1. Bind and validate the request.
	var req FinishRequest
	if err := bindStrict(c, &req); err != nil {
		return err
	}
	if err := s.validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// 2. Commit the outcome. A card that is already terminal comes back
	// unchanged with 200; the caller must accept the published result.
	card, err := commit(c.Param("id"), req.NodeID, req.Result)
	if err != nil {
		return mapStoreError(err)
	}

	slog.Info("Card finished", "card_id", card.ID, "node_id", req.NodeID, "state", card.State)
	return c.JSON(http.StatusOK, card)
}

// resetCardsHandler replaces the whole card set. Administrative hook used by
// deterministic test setups.
func (s *Server) resetCardsHandler(c *echo.Context) error {
	var req ResetRequest
	if err := bindStrict(c, &req); err != nil {
		return err
	}
	if err := s.validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	cards := make([]coordinator.Card, 0, len(req.Cards))
	for _, seed := range req.Cards {
		cards = append(cards, coordinator.Card{
			ID:              seed.ID,
			Payload:         seed.Payload,
			HedgedExecution: seed.HedgedExecution,
		})
	}
	s.store.Seed(cards)

	slog.Info("Card set reset", "count", len(cards))
	return c.JSON(http.StatusOK, map[string]int{"count": len(cards)})
}
