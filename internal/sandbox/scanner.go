package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// Risk grades how dangerous scanned code looks.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

const (
	familyProcessSpawn = "process_spawn"
	familyEval         = "eval_reflection"
	familyRawAccess    = "raw_file_socket"
	familyHTTPClient   = "http_client"
)

type patternFamily struct {
	name      string
	weight    int
	forbidden bool
	patterns  []*regexp.Regexp
}

// Finding is one matched pattern.
type Finding struct {
	Family  string
	Pattern string
	Line    int
}

// ScanReport sums the findings into a risk grade.
type ScanReport struct {
	Findings  []Finding
	Risk      Risk
	Forbidden bool
}

func (r *ScanReport) hasFamily(name string) bool {
	for _, f := range r.Findings {
		if f.Family == name {
			return true
		}
	}
	return false
}

func (r *ScanReport) findingSummaries() []string {
	out := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		out = append(out, fmt.Sprintf("%s at line %d (%s)", f.Family, f.Line, f.Pattern))
	}
	return out
}

// Scanner is the pattern-based pre-check applied to code before launch.
type Scanner struct {
	families []patternFamily
}

// NewScanner compiles the pattern families. Process spawning and
// eval-style reflection are forbidden outright; raw file/socket access
// and HTTP clients only raise the risk grade.
func NewScanner() *Scanner {
	compile := func(exprs ...string) []*regexp.Regexp {
		out := make([]*regexp.Regexp, len(exprs))
		for i, e := range exprs {
			out[i] = regexp.MustCompile(e)
		}
		return out
	}
	return &Scanner{
		families: []patternFamily{
			{
				name:      familyProcessSpawn,
				weight:    3,
				forbidden: true,
				patterns: compile(
					`\bos\.system\s*\(`,
					`\bsubprocess\.`,
					`\bos\.popen\s*\(`,
					`\bos\.exec[lv]p?e?\s*\(`,
					`\bos\.fork\s*\(`,
					`\bchild_process\b`,
					`\bspawn(Sync)?\s*\(`,
					`\bexec\.Command\b`,
				),
			},
			{
				name:      familyEval,
				weight:    3,
				forbidden: true,
				patterns: compile(
					`\beval\s*\(`,
					`\bexec\s*\(`,
					`\bcompile\s*\(`,
					`__import__\s*\(`,
					`\bimportlib\b`,
					`\bgetattr\s*\(\s*__`,
					`new\s+Function\s*\(`,
				),
			},
			{
				name:   familyRawAccess,
				weight: 2,
				patterns: compile(
					`\bsocket\.(socket|create_connection)\s*\(`,
					`\bos\.(remove|unlink|rmdir)\s*\(`,
					`\bshutil\.rmtree\s*\(`,
					`\bopen\s*\([^)]*['"](?:/etc/|/proc/|/sys/)`,
					`\bfs\.(unlink|rm|rmdir)(Sync)?\s*\(`,
					`\bnet\.(Dial|Listen)\b`,
				),
			},
			{
				name:   familyHTTPClient,
				weight: 1,
				patterns: compile(
					`\brequests\.(get|post|put|delete|head|request)\s*\(`,
					`\burllib\.(request|urlopen)\b`,
					`\bhttp\.client\b`,
					`\bfetch\s*\(`,
					`\baxios\b`,
					`\bXMLHttpRequest\b`,
					`\bhttp\.(Get|Post|NewRequest)\b`,
				),
			},
		},
	}
}

// Scan inspects code and grades it. Weights are summed once per
// matched family: 0 is low, up to 3 is medium, beyond that high.
func (s *Scanner) Scan(code string) *ScanReport {
	report := &ScanReport{Risk: RiskLow}
	lines := strings.Split(code, "\n")

	score := 0
	for _, family := range s.families {
		matched := false
		for _, re := range family.patterns {
			for i, line := range lines {
				if re.MatchString(line) {
					report.Findings = append(report.Findings, Finding{
						Family:  family.name,
						Pattern: re.String(),
						Line:    i + 1,
					})
					matched = true
				}
			}
		}
		if matched {
			score += family.weight
			if family.forbidden {
				report.Forbidden = true
			}
		}
	}

	switch {
	case score == 0:
		report.Risk = RiskLow
	case score <= 3:
		report.Risk = RiskMedium
	default:
		report.Risk = RiskHigh
	}
	return report
}
