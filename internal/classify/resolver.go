package classify

import (
	"context"

	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/logging"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/trackerdb"
)

// DefaultMinConfidence is the classifier confidence below which a domain is
// not treated as a tracker.
const DefaultMinConfidence = 0.5

// Resolver turns a destination into a TrackerIdentity.
type Resolver struct {
	db            *trackerdb.DB
	classifier    Classifier
	feedback      *Feedback
	minConfidence float64
	log           *zap.Logger
}

// NewResolver wires the lookup chain. classifier and feedback may be nil.
func NewResolver(db *trackerdb.DB, classifier Classifier, feedback *Feedback, minConfidence float64, log *zap.Logger) *Resolver {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Resolver{
		db:            db,
		classifier:    classifier,
		feedback:      feedback,
		minConfidence: minConfidence,
		log:           logging.OrNop(log),
	}
}

// Resolve returns the identity for host, or ok=false when host is not a tracker.
func (r *Resolver) Resolve(ctx context.Context, url, host string) (model.TrackerIdentity, bool) {
	known, isKnown := r.db.Lookup(host)

	if r.feedback != nil {
		if c, ok := r.feedback.Lookup(host); ok {
			id := known
			if !isKnown {
				id = model.TrackerIdentity{Domain: host}
			}
			id.Category = c.Category
			id.BaseRisk = r.db.CategoryRisk(c.Category)
			id.DataTypes = nil
			id = r.db.Normalize(id)
			id.Source = model.SourceFeedback
			id.Confidence = 1
			return id, true
		}
	}

	if isKnown {
		return known, true
	}

	if r.classifier == nil {
		return model.TrackerIdentity{}, false
	}
	res, err := r.classifier.Classify(ctx, url, host)
	if err != nil {
		r.log.Warn("classifier failed", zap.String("domain", host), zap.Error(err))
		return model.TrackerIdentity{}, false
	}
	if res.Confidence < r.minConfidence {
		return model.TrackerIdentity{}, false
	}
	id := r.db.Normalize(model.TrackerIdentity{Domain: host, Category: res.Category})
	id.Source = model.SourceClassifier
	id.Confidence = res.Confidence
	return id, true
}
