package rolesync

// Status is the result of reconciling one (guild, user) pair.
type Status string

const (
	StatusGranted     Status = "granted"
	StatusAlreadyHad  Status = "already_had_role"
	StatusNotMember   Status = "not_member"
	StatusRoleMissing Status = "role_missing"
	StatusFailed      Status = "failed"
)

// Outcome records what happened for one (guild, user) pair.
type Outcome struct {
	GuildID string
	UserID  string
	RoleID  string
	Status  Status
	Err     error
}

// Report collects per-item outcomes of one synchronization batch.
type Report struct {
	Outcomes []Outcome
}

// Count returns how many outcomes have status st.
func (r *Report) Count(st Status) int {
	if r == nil {
		return 0
	}
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == st {
			n++
		}
	}
	return n
}

// Failures returns outcomes that ended in an error (including a deleted role).
func (r *Report) Failures() []Outcome {
	if r == nil {
		return nil
	}
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed || o.Status == StatusRoleMissing {
			out = append(out, o)
		}
	}
	return out
}

// Holding returns how many targets now hold the role, newly granted or not.
func (r *Report) Holding() int {
	return r.Count(StatusGranted) + r.Count(StatusAlreadyHad)
}
