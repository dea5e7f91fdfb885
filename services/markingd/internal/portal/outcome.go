package portal

// Kind discriminates the bounded set of results a mark exchange can have.
// Every portal-side error mode is funneled into exactly one of these.
type Kind int

const (
	// KindOK means the portal confirmed attendance.
	KindOK Kind = iota
	// KindExpired means the QR token is no longer valid; the session must
	// pause until a fresh QR is scanned.
	KindExpired
	// KindDenied means the portal rejected this student permanently.
	KindDenied
	// KindTransient covers timeouts, 5xx and parse failures; the caller may
	// retry under its own policy.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindExpired:
		return "expired"
	case KindDenied:
		return "denied"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Outcome is the result of one mark exchange. Discipline, Group and FIO are
// set only for KindOK; Reason only for KindDenied and KindTransient.
type Outcome struct {
	Kind       Kind
	Discipline string
	Group      string
	FIO        string
	Reason     string
}

// Ok builds a success outcome carrying the portal-supplied labels.
func Ok(discipline, group, fio string) Outcome {
	return Outcome{Kind: KindOK, Discipline: discipline, Group: group, FIO: fio}
}

// Expired builds a token-expired outcome.
func Expired() Outcome {
	return Outcome{Kind: KindExpired}
}

// Denied builds a permanent-rejection outcome.
func Denied(reason string) Outcome {
	return Outcome{Kind: KindDenied, Reason: reason}
}

// Transient builds a retryable-failure outcome.
func Transient(reason string) Outcome {
	return Outcome{Kind: KindTransient, Reason: reason}
}
