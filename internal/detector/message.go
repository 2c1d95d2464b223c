package detector

import "github.com/blackmichael/retweet-curator/internal/domain"

// response is the JSON reply of the detection service for one frame.
type response struct {
	Detections []detection `json:"detections"`
	Error      string      `json:"error,omitempty"`
}

// detection is a single labelled box. Box coordinates are ignored.
type detection struct {
	Label      string    `json:"label"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	Box        []float64 `json:"box,omitempty"`
}

func (r response) detections() []domain.Detection {
	out := make([]domain.Detection, len(r.Detections))
	for i, d := range r.Detections {
		out[i] = domain.Detection{Label: d.Label, Confidence: d.Confidence}
	}
	return out
}

// ServiceError is an error reported by the detection service itself, as
// opposed to a transport failure.
type ServiceError struct {
	Message string
}

func (e *ServiceError) Error() string {
	return "detector: " + e.Message
}
