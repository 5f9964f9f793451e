package report

import (
	"bufio"
	"errors"
	"strconv"
	"strings"
)

// ErrUnparseable indicates the text contains no recognizable report section.
var ErrUnparseable = errors.New("worker report: no recognizable sections")

// section headers, matched case-insensitively with or without a leading "##".
const (
	secFocus        = "focus"
	secQuality      = "quality"
	secDone         = "done"
	secBuilt        = "built"
	secNeeds        = "needs"
	secOffers       = "offers"
	secContracts    = "contracts"
	secContract     = "contract"
	secVerification = "verification"
)

// Parse extracts a Report from raw worker output. The report format is
// line-oriented: a "Header:" line opens a section, list sections take
// "- item" lines or inline comma-separated values, Quality takes a float in
// [0, 1], and Verification takes "build: pass|fail" / "test: pass|fail"
// lines. Text outside recognized sections is ignored, so the report may be
// embedded anywhere in the worker's output stream.
func Parse(text string) (*Report, error) {
	r := &Report{}
	found := false
	section := ""

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if name, rest, ok := matchHeader(line); ok {
			found = true
			section = name
			if rest != "" {
				applyInline(r, section, rest)
				if section == secFocus || section == secQuality {
					section = ""
				}
			}
			continue
		}

		switch section {
		case secDone, secBuilt:
			if item, ok := listItem(line); ok {
				r.Done = append(r.Done, item)
			}
		case secNeeds:
			if item, ok := listItem(line); ok {
				r.Needs = append(r.Needs, item)
			}
		case secOffers:
			if item, ok := listItem(line); ok {
				r.Offers = append(r.Offers, item)
			}
		case secContracts, secContract:
			if item, ok := listItem(line); ok {
				if ref, ok := parseContractRef(item); ok {
					r.Contracts = append(r.Contracts, ref)
				}
			}
		case secVerification:
			applyVerification(r, line)
		}
	}

	if !found {
		return nil, ErrUnparseable
	}
	if r.Quality < 0 {
		r.Quality = 0
	}
	if r.Quality > 1 {
		r.Quality = 1
	}
	return r, nil
}

// matchHeader recognizes "Header:" and "## Header:" lines, returning the
// canonical section name and any inline remainder after the colon.
func matchHeader(line string) (name, rest string, ok bool) {
	trimmed := strings.TrimSpace(strings.TrimLeft(line, "#"))
	head, tail, hasColon := strings.Cut(trimmed, ":")
	if !hasColon {
		return "", "", false
	}
	switch strings.ToLower(strings.TrimSpace(head)) {
	case secFocus, secQuality, secDone, secBuilt, secNeeds, secOffers,
		secContracts, secContract, secVerification:
		return strings.ToLower(strings.TrimSpace(head)), strings.TrimSpace(tail), true
	}
	return "", "", false
}

func applyInline(r *Report, section, rest string) {
	switch section {
	case secFocus:
		r.Focus = rest
	case secQuality:
		if q, err := strconv.ParseFloat(strings.Fields(rest)[0], 64); err == nil {
			r.Quality = q
			r.HasQuality = true
		}
	case secDone, secBuilt:
		r.Done = append(r.Done, splitInline(rest)...)
	case secNeeds:
		r.Needs = append(r.Needs, splitInline(rest)...)
	case secOffers:
		r.Offers = append(r.Offers, splitInline(rest)...)
	case secContracts, secContract:
		for _, item := range splitInline(rest) {
			if ref, ok := parseContractRef(item); ok {
				r.Contracts = append(r.Contracts, ref)
			}
		}
	}
}

func splitInline(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func listItem(line string) (string, bool) {
	if rest, ok := strings.CutPrefix(line, "- "); ok {
		return strings.TrimSpace(rest), true
	}
	if rest, ok := strings.CutPrefix(line, "* "); ok {
		return strings.TrimSpace(rest), true
	}
	return "", false
}

// parseContractRef parses "action Name" or "action Name: schema".
func parseContractRef(item string) (ContractRef, bool) {
	head, schema, _ := strings.Cut(item, ":")
	fields := strings.Fields(head)
	if len(fields) < 2 {
		return ContractRef{}, false
	}
	action := ContractAction(strings.ToLower(fields[0]))
	switch action {
	case ActionPropose, ActionNegotiate, ActionAgree, ActionFulfill:
	default:
		return ContractRef{}, false
	}
	return ContractRef{
		Action: action,
		Name:   strings.Join(fields[1:], " "),
		Schema: strings.TrimSpace(schema),
	}, true
}

func applyVerification(r *Report, line string) {
	key, val, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	if r.Verification == nil {
		r.Verification = &Verification{}
	}
	pass := strings.EqualFold(strings.TrimSpace(val), "pass")
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "build":
		r.Verification.BuildPass = pass
	case "test", "tests":
		r.Verification.TestPass = pass
	default:
		if r.Verification.Detail == "" {
			r.Verification.Detail = strings.TrimSpace(line)
		}
	}
}
