package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
)

const operationCreateOrder = "create_order"

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.withIdempotency(w, r, operationCreateOrder, body, func() (int, any, error) {
		var req createOrderRequest
		if err := decodeJSON(body, &req); err != nil {
			return 0, nil, err
		}
		order, err := s.orders.CreateOrder(r.Context(), req.toSaga())
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, orderFromDomain(order), nil
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderFromDomain(order))
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, domain.Validationf("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	orders, err := s.orders.ListOrders(r.Context(), mux.Vars(r)["userID"], limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := listOrdersResponse{Orders: make([]orderResponse, 0, len(orders))}
	for _, order := range orders {
		resp.Orders = append(resp.Orders, orderFromDomain(order))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]
	events, err := s.orders.Timeline(r.Context(), orderID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := timelineResponse{OrderID: orderID, Events: make([]timelineEventDTO, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, timelineEventDTO{
			Type:       ev.Type,
			Reason:     ev.Reason,
			Actor:      ev.Actor,
			Details:    ev.Details,
			OccurredAt: ev.OccurredAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	order, err := s.orders.TransitionStatus(r.Context(), mux.Vars(r)["id"], domain.OrderStatus(req.Status), req.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderFromDomain(order))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	order, err := s.orders.CancelOrder(r.Context(), mux.Vars(r)["id"], req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderFromDomain(order))
}

func (s *Server) handleInitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req initiatePaymentRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	entry, gp, err := s.orders.InitiatePayment(r.Context(), mux.Vars(r)["id"], req.Actor, payment.InitiateOptions{
		ReturnURL: req.ReturnURL,
		CancelURL: req.CancelURL,
		ClientIP:  clientIP(r),
		Locale:    req.Locale,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, paymentFromDomain(entry, gp))
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	order, err := s.orders.CapturePayment(r.Context(), vars["id"], vars["entryID"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderFromDomain(order))
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	order, err := s.orders.RefundOrder(r.Context(), mux.Vars(r)["id"], req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderFromDomain(order))
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := readBody(w, r)
	if err == nil {
		err = decodeJSON(body, dst)
	}
	if err != nil {
		s.writeError(w, err)
		return false
	}
	return true
}
