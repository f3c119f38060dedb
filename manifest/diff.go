package manifest

// Diff returns the units of server that must be fetched: those missing from
// local or whose hash differs. Names are emitted in server order.
func Diff(local, server *Manifest) []string {
	if server == nil || len(server.Units) == 0 {
		return nil
	}
	var have map[string]Hash128
	if local != nil {
		have = local.Index()
	}

	var out []string
	for _, u := range server.Units {
		h, ok := have[u.Name]
		if !ok || h != u.Hash {
			out = append(out, u.Name)
		}
	}
	return out
}

// Delta is the full difference between two manifests.
type Delta struct {
	// Fetch is the download list, identical to Diff(local, server).
	Fetch []string
	// Removed lists local units the server no longer publishes, in local order.
	Removed []string
}

func ComputeDelta(local, server *Manifest) Delta {
	d := Delta{Fetch: Diff(local, server)}
	if local == nil {
		return d
	}
	var keep map[string]Hash128
	if server != nil {
		keep = server.Index()
	}
	for _, u := range local.Units {
		if _, ok := keep[u.Name]; !ok {
			d.Removed = append(d.Removed, u.Name)
		}
	}
	return d
}
