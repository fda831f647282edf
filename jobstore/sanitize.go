package jobstore

import (
	"fmt"
	"hash/fnv"

	"github.com/gosimple/slug"
)

// DirName maps a job id to its storage directory name. The mapping is a
// pure function of the id: ids that are already filesystem-safe map to
// themselves, anything else is slugged with a short hash of the original
// id appended so that distinct ids cannot collide after sanitization.
func DirName(jobID string) string {
	s := slug.Make(jobID)
	if s == jobID && s != "" {
		return s
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	if s == "" {
		return fmt.Sprintf("job-%08x", h.Sum32())
	}
	return fmt.Sprintf("%s-%08x", s, h.Sum32())
}
