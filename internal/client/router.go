package client

import (
	"github.com/hipbot/hipchat/internal/logging"
	"github.com/hipbot/hipchat/internal/metrics"
	"github.com/hipbot/hipchat/internal/stanza"
)

// Router classifies each inbound stanza by kind and forwards it to the
// correlator, the presence handler or the message handler.
//
// Error policy: error-typed stanzas are never cross-routed by element kind.
// An error-typed IQ carrying a correlation id rejects the matching pending
// query; every other error-typed stanza is logged and dropped.
type Router struct {
	Correlator *Correlator
	OnPresence func(p *stanza.Presence)
	OnMessage  func(msg *stanza.Message)
}

// Route dispatches one inbound stanza. Called from the transport's read loop,
// one stanza at a time, in receipt order.
func (r *Router) Route(v any) {
	switch st := v.(type) {
	case *stanza.IQ:
		metrics.StanzasReceived.WithLabelValues("iq").Inc()
		r.routeIQ(st)
	case *stanza.Presence:
		metrics.StanzasReceived.WithLabelValues("presence").Inc()
		if st.Type == stanza.TypeError {
			logging.Warn("dropping error presence from %s", st.From)
			metrics.StanzasDropped.WithLabelValues("error").Inc()
			return
		}
		if r.OnPresence != nil {
			r.OnPresence(st)
		}
	case *stanza.Message:
		metrics.StanzasReceived.WithLabelValues("message").Inc()
		if st.Type == stanza.TypeError {
			logging.Warn("dropping error message from %s", st.From)
			metrics.StanzasDropped.WithLabelValues("error").Inc()
			return
		}
		if r.OnMessage != nil {
			r.OnMessage(st)
		}
	default:
		logging.Debug("ignoring stanza of unknown kind %T", v)
	}
}

func (r *Router) routeIQ(iq *stanza.IQ) {
	if iq.Type == stanza.TypeError {
		if iq.ID != "" && r.Correlator.Reject(iq.ID, iq.StanzaError()) {
			metrics.QueriesRejected.WithLabelValues("error").Inc()
			return
		}
		logging.Warn("dropping uncorrelated error iq from %s: %v", iq.From, iq.StanzaError())
		metrics.StanzasDropped.WithLabelValues("error").Inc()
		return
	}

	// An id-less IQ is an un-correlatable server push; unsupported.
	if iq.ID == "" {
		logging.Debug("dropping iq without id from %s", iq.From)
		metrics.StanzasDropped.WithLabelValues("no_id").Inc()
		return
	}

	if !r.Correlator.Resolve(iq.ID, iq) {
		logging.Debug("no pending query for iq id %s", iq.ID)
		metrics.StanzasDropped.WithLabelValues("unmatched").Inc()
		return
	}
	metrics.QueriesResolved.Inc()
}
