package serviceuser

// PodObservation is the slice of a workload's labels/annotations component
// H's last-seen tracker cares about, per spec.md §4.H
// ("_check_pods_and_update_service_user_tracker"): the
// `uses-service-user` annotation plus the `vcenter` and
// `vcenter-operator-secret-version` labels.
type PodObservation struct {
	UsesServiceUser string
	VCenter         string
	SecretVersion   string
}

// Complete reports whether every label/annotation spec.md §4.H requires is
// present; an incomplete observation is ignored (spec.md §8: "workload
// last-seen update fires iff the pod carries all three").
func (p PodObservation) Complete() bool {
	return p.UsesServiceUser != "" && p.VCenter != "" && p.SecretVersion != ""
}

// ObservePods re-stamps the last-seen tracker for every complete
// observation, driving both the deletion rules in the vCenter/NSX-T
// phases and the rendering-time version-selection helper (spec.md
// §4.G/§4.H).
func (r *Reconciler) ObservePods(observations []PodObservation) {
	now := r.now()
	for _, o := range observations {
		if !o.Complete() {
			continue
		}
		r.State.Stamp(o.UsesServiceUser, o.VCenter, o.SecretVersion, now)
	}
}
