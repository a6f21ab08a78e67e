package remote

// Pending returns the number of detections waiting for Detect.
func (s *Spotter) Pending() int { return len(s.hits) }
