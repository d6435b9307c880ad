package stages

import (
	"github.com/ggoodman/cashback-api/pipeline"
)

// Set names one stage per slot. Nil entries are skipped.
type Set struct {
	CORS            *CORS
	BodyParse       *BodyParse
	Compress        *Compress
	Perf            *Perf
	RequestLog      *RequestLog
	SecurityHeaders *SecurityHeaders
	Sanitize        *Sanitize
	SetCSRF         *SetCSRF
	GlobalRateLimit *RateLimit
	RouteRateLimit  *RateLimit
	APIKey          *APIKey
	VerifyCSRF      *VerifyCSRF
	Auth            *Auth
	Cache           *Cache
}

// Install registers every stage of s on p in slot order.
func Install(p *pipeline.Pipeline, s Set) error {
	entries := []struct {
		slot  pipeline.Slot
		stage pipeline.Stage
		ok    bool
	}{
		{pipeline.SlotCORS, s.CORS, s.CORS != nil},
		{pipeline.SlotBodyParse, s.BodyParse, s.BodyParse != nil},
		{pipeline.SlotCompress, s.Compress, s.Compress != nil},
		{pipeline.SlotPerf, s.Perf, s.Perf != nil},
		{pipeline.SlotRequestLog, s.RequestLog, s.RequestLog != nil},
		{pipeline.SlotSecurityHeaders, s.SecurityHeaders, s.SecurityHeaders != nil},
		{pipeline.SlotSanitize, s.Sanitize, s.Sanitize != nil},
		{pipeline.SlotSetCSRF, s.SetCSRF, s.SetCSRF != nil},
		{pipeline.SlotGlobalRateLimit, s.GlobalRateLimit, s.GlobalRateLimit != nil},
		{pipeline.SlotRouteRateLimit, s.RouteRateLimit, s.RouteRateLimit != nil},
		{pipeline.SlotAPIKey, s.APIKey, s.APIKey != nil},
		{pipeline.SlotCSRFVerify, s.VerifyCSRF, s.VerifyCSRF != nil},
		{pipeline.SlotAuth, s.Auth, s.Auth != nil},
		{pipeline.SlotCacheRead, s.Cache, s.Cache != nil},
	}
	for _, e := range entries {
		if !e.ok {
			continue
		}
		if err := p.Register(e.slot, e.stage); err != nil {
			return err
		}
	}
	return nil
}
