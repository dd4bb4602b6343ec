package rules

// RuleSet 一组按声明顺序生效的 mock 规则
type RuleSet struct {
	Version string `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

// Rule 单条 mock 规则
type Rule struct {
	Name    string  `yaml:"name" json:"name"`
	Match   Match   `yaml:"match" json:"match"`
	Respond Respond `yaml:"respond" json:"respond"`
}

// Match 条件组合，三组之间取与
type Match struct {
	AllOf  []Condition `yaml:"allOf,omitempty" json:"allOf,omitempty"`
	AnyOf  []Condition `yaml:"anyOf,omitempty" json:"anyOf,omitempty"`
	NoneOf []Condition `yaml:"noneOf,omitempty" json:"noneOf,omitempty"`
}

// ConditionType 条件类型
type ConditionType string

const (
	ConditionURL    ConditionType = "url"
	ConditionMethod ConditionType = "method"
	ConditionHeader ConditionType = "header"
	ConditionQuery  ConditionType = "query"
	ConditionCookie ConditionType = "cookie"
	ConditionText   ConditionType = "text"
	ConditionJSON   ConditionType = "json"
)

// ConditionOp 取值比较方式，为空时只要求键存在
type ConditionOp string

const (
	OpEquals   ConditionOp = "equals"
	OpContains ConditionOp = "contains"
	OpRegex    ConditionOp = "regex"
)

// URLMode URL 匹配方式，为空时按 glob 处理
type URLMode string

const (
	URLExact    URLMode = "exact"
	URLPrefix   URLMode = "prefix"
	URLContains URLMode = "contains"
	URLRegex    URLMode = "regex"
	URLGlob     URLMode = "glob"
)

// Condition 单个匹配条件
type Condition struct {
	Type    ConditionType `yaml:"type" json:"type"`
	Mode    URLMode       `yaml:"mode,omitempty" json:"mode,omitempty"`
	Pattern string        `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Values  []string      `yaml:"values,omitempty" json:"values,omitempty"`
	Key     string        `yaml:"key,omitempty" json:"key,omitempty"`
	// Path gjson 路径，仅 json 条件使用
	Path  string      `yaml:"path,omitempty" json:"path,omitempty"`
	Op    ConditionOp `yaml:"op,omitempty" json:"op,omitempty"`
	Value string      `yaml:"value,omitempty" json:"value,omitempty"`
}

// Respond 命中后返回的伪造响应
type Respond struct {
	Type          string            `yaml:"type,omitempty" json:"type,omitempty"` // json 或 string
	Status        int               `yaml:"status,omitempty" json:"status,omitempty"`
	Body          string            `yaml:"body,omitempty" json:"body,omitempty"`
	Headers       map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	RemoveHeaders []string          `yaml:"removeHeaders,omitempty" json:"removeHeaders,omitempty"`
	DelayMS       int               `yaml:"delayMS,omitempty" json:"delayMS,omitempty"`
}
