package pipeline

import "github.com/socialpulse/trackerd/internal/trackererrors"

func isNotFound(err error) bool {
	return trackererrors.Is(err, trackererrors.NotFound)
}
