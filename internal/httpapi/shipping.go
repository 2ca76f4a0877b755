package httpapi

import (
	"net/http"
	"strconv"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func (s *Server) handleProvinces(w http.ResponseWriter, r *http.Request) {
	provinces, err := s.shipping.Provinces(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, provinces)
}

func (s *Server) handleDistricts(w http.ResponseWriter, r *http.Request) {
	provinceID, err := positiveQueryInt(r, "province_id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	districts, err := s.shipping.Districts(r.Context(), provinceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, districts)
}

func (s *Server) handleWards(w http.ResponseWriter, r *http.Request) {
	districtID, err := positiveQueryInt(r, "district_id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	wards, err := s.shipping.Wards(r.Context(), districtID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wards)
}

func (s *Server) handleQuoteFee(w http.ResponseWriter, r *http.Request) {
	var req quoteFeeRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	fee, err := s.shipping.QuoteFee(r.Context(), req.Address.toDomain(), int64(req.WeightGrams), req.InsuranceMinor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteFeeResponse{FeeMinor: fee, Currency: domain.BaseCurrency})
}

func positiveQueryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, domain.Validationf("%s is required", name)
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, domain.Validationf("%s must be a positive integer", name)
	}
	return value, nil
}
