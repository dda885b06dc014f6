package devstate

// ProfileField is a bitmask naming the scalar profile fields a diff touches.
type ProfileField uint32

const (
	FieldName ProfileField = 1 << iota
	FieldEnabled
	FieldActive
	FieldReportRate
	FieldAngleSnapping
	FieldDebounce
)

// ProfileDiff names the fields and child slots of one profile that differ
// from the last-committed snapshot. The same shape describes the subtree of
// a partial commit failure.
type ProfileDiff struct {
	Index       int
	Fields      ProfileField
	Resolutions []int
	Buttons     []int
	Leds        []int
}

func (d ProfileDiff) Empty() bool {
	return d.Fields == 0 && len(d.Resolutions) == 0 && len(d.Buttons) == 0 && len(d.Leds) == 0
}

// Diff is the minimal set of changes between pending and last-committed.
// Drivers lacking granular updates are free to rewrite everything; the diff
// still tells them which profiles need touching at all.
type Diff struct {
	Profiles []ProfileDiff
}

func (d Diff) Empty() bool {
	return len(d.Profiles) == 0
}

// Diff computes the changed subtree between the pending and last-committed
// snapshots. Profiles with no changes are omitted.
func (s *State) Diff() Diff {
	var out Diff
	for i := range s.pending.Profiles {
		pd := diffProfile(&s.pending.Profiles[i], &s.committed.Profiles[i])
		if !pd.Empty() {
			pd.Index = i
			out.Profiles = append(out.Profiles, pd)
		}
	}
	return out
}

func diffProfile(p, c *Profile) ProfileDiff {
	var d ProfileDiff
	if p.Name != c.Name {
		d.Fields |= FieldName
	}
	if p.Enabled != c.Enabled {
		d.Fields |= FieldEnabled
	}
	if p.Active != c.Active {
		d.Fields |= FieldActive
	}
	if p.ReportRate != c.ReportRate {
		d.Fields |= FieldReportRate
	}
	if p.AngleSnapping != c.AngleSnapping {
		d.Fields |= FieldAngleSnapping
	}
	if p.Debounce != c.Debounce {
		d.Fields |= FieldDebounce
	}
	for i := range p.Resolutions {
		ra, rb := p.Resolutions[i], c.Resolutions[i]
		ra.Unknown, rb.Unknown = false, false
		if ra != rb {
			d.Resolutions = append(d.Resolutions, i)
		}
	}
	for i := range p.Buttons {
		if !p.Buttons[i].Action.equal(c.Buttons[i].Action) {
			d.Buttons = append(d.Buttons, i)
		}
	}
	for i := range p.Leds {
		la, lb := p.Leds[i], c.Leds[i]
		la.Unknown, lb.Unknown = false, false
		if la != lb {
			d.Leds = append(d.Leds, i)
		}
	}
	return d
}

// SubtractDiff removes the confirmed-written subtrees from a diff, leaving
// the portions whose hardware state is uncertain after a partial commit.
func SubtractDiff(d Diff, written []ProfileDiff) []ProfileDiff {
	confirmed := make(map[int]*ProfileDiff, len(written))
	for i := range written {
		idx := written[i].Index
		if prev, ok := confirmed[idx]; ok {
			prev.Fields |= written[i].Fields
			prev.Resolutions = append(prev.Resolutions, written[i].Resolutions...)
			prev.Buttons = append(prev.Buttons, written[i].Buttons...)
			prev.Leds = append(prev.Leds, written[i].Leds...)
		} else {
			w := written[i]
			confirmed[idx] = &w
		}
	}

	var out []ProfileDiff
	for _, pd := range d.Profiles {
		w := confirmed[pd.Index]
		rest := ProfileDiff{Index: pd.Index}
		if w == nil {
			rest = pd
		} else {
			rest.Fields = pd.Fields &^ w.Fields
			rest.Resolutions = subtractInts(pd.Resolutions, w.Resolutions)
			rest.Buttons = subtractInts(pd.Buttons, w.Buttons)
			rest.Leds = subtractInts(pd.Leds, w.Leds)
		}
		if !rest.Empty() {
			out = append(out, rest)
		}
	}
	return out
}

func subtractInts(a, b []int) []int {
	if len(b) == 0 {
		return a
	}
	drop := make(map[int]struct{}, len(b))
	for _, v := range b {
		drop[v] = struct{}{}
	}
	var out []int
	for _, v := range a {
		if _, ok := drop[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
