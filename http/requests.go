package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"voyage/ml"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report json names so messages match the request body
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return strings.SplitN(fld.Tag.Get("query"), ",", 2)[0]
		}
		return name
	})
	return v
}

// GenderRequest /predict_gender 请求
type GenderRequest struct {
	Name string `json:"name" validate:"required"`
}

// RecommendRequest /recommend_hotels 请求. user_code may be a JSON number or string.
type RecommendRequest struct {
	UserCode json.RawMessage `json:"user_code" validate:"required"`
}

// PlanRequest /plan_trips 请求
type PlanRequest struct {
	RequestID    string   `json:"request_id,omitempty"`
	Origin       string   `json:"origin" validate:"required"`
	// Budget may be zero or negative; nothing fits and the trip list is empty.
	Budget       *float64 `json:"budget" validate:"required"`
	DurationDays int      `json:"duration_days" validate:"min=1"`
}

// HotelsQuery /hotels 查询参数
type HotelsQuery struct {
	City     string  `query:"city" validate:"required"`
	MaxPrice float64 `query:"max_price" validate:"gte=0"`
}

const defaultMaxHotelPrice = 400

// validateRequest runs struct validation and converts the first failure.
func validateRequest(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return ml.NewValidationError("", "invalid request")
	}
	fe := verrs[0]
	return ml.NewValidationError(fe.Field(), describeTag(fe))
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	default:
		return "is invalid"
	}
}

// decodeJSON reads a single JSON object body into dst.
func decodeJSON(body io.Reader, dst interface{}) error {
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return ml.NewValidationError("", "request body too large")
		case errors.Is(err, io.EOF):
			return ml.NewValidationError("", "request body is empty")
		default:
			return ml.NewValidationError("", "invalid JSON body")
		}
	}
	if dec.More() {
		return ml.NewValidationError("", "invalid JSON body")
	}
	return nil
}

// userCodeString accepts 12, 12.0 or "12" and returns the lookup key.
func userCodeString(raw json.RawMessage) (interface{}, string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, "", ml.NewValidationError("user_code", "is required")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, "", ml.NewValidationError("user_code", "is invalid")
	}

	switch code := v.(type) {
	case string:
		trimmed := strings.TrimSpace(code)
		if trimmed == "" {
			return nil, "", ml.NewValidationError("user_code", "is required")
		}
		return code, trimmed, nil
	case json.Number:
		f, err := code.Float64()
		if err != nil || math.IsInf(f, 0) {
			return nil, "", ml.NewValidationError("user_code", "is invalid")
		}
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return code, strconv.FormatInt(int64(f), 10), nil
		}
		return code, code.String(), nil
	default:
		return nil, "", ml.NewValidationError("user_code", fmt.Sprintf("must be a number or string, got %T", v))
	}
}

// parseHotelsQuery reads city and max_price, defaulting max_price.
func parseHotelsQuery(r *http.Request) (HotelsQuery, error) {
	q := HotelsQuery{
		City:     strings.TrimSpace(r.URL.Query().Get("city")),
		MaxPrice: defaultMaxHotelPrice,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("max_price")); raw != "" {
		price, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(price) || math.IsInf(price, 0) {
			return q, ml.NewValidationError("max_price", "must be a number")
		}
		q.MaxPrice = price
	}
	return q, validateRequest(q)
}
