package barrier

import (
	"sort"

	"github.com/hashicorp/go-set/v3"

	"github.com/flowmesh/coordinator/messenger"
	"github.com/flowmesh/coordinator/replica"
)

// derivePublications implements §4.4 "Publications derivation": for
// jobID's input tasks, group the peers currently allocated to each task
// by their co-location site and emit one publication per (task, site),
// deduplicated (a job can only be re-planned, never re-derive the same
// (task, site) pair twice per call, but the dedup set is cheap insurance
// against a caller passing a replica with redundant input-task entries).
func derivePublications(r replica.Replica, jobID, coordinatorPeerID string) []messenger.Publication {
	job, ok := r.Job(jobID)
	if !ok {
		return nil
	}

	seen := set.New[string](0)
	var pubs []messenger.Publication

	for _, task := range job.InputTasks {
		bySite := make(map[string][]string)
		for _, alloc := range job.Allocations[task] {
			bySite[alloc.Site] = append(bySite[alloc.Site], alloc.PeerID)
		}

		sites := make([]string, 0, len(bySite))
		for site := range bySite {
			sites = append(sites, site)
		}
		sort.Strings(sites)

		for _, site := range sites {
			key := task + "\x00" + site
			if seen.Contains(key) {
				continue
			}
			seen.Insert(key)

			shortID, _ := r.ShortID(replica.ShortIDKey{
				PeerType: "coordinator", PeerID: coordinatorPeerID, JobID: jobID, Task: task, SlotID: -1,
			})
			dst := append([]string(nil), bySite[site]...)
			sort.Strings(dst)

			pubs = append(pubs, messenger.Publication{
				Task:       task,
				Site:       site,
				SrcPeerID:  coordinatorPeerID,
				SlotID:     -1,
				DstPeerIDs: dst,
				ShortID:    shortID,
			})
		}
	}
	return pubs
}
