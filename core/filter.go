package core

import "strings"

// Filter 放行名称等于 name 或为其点分后代的 logger；空名称全部放行
type Filter struct {
	name string
}

func NewFilter(name string) Filter {
	return Filter{name: name}
}

func (f Filter) Allow(loggerName string) bool {
	if f.name == "" || f.name == loggerName {
		return true
	}
	return strings.HasPrefix(loggerName, f.name) && loggerName[len(f.name)] == '.'
}

func allowAll(filters []Filter, loggerName string) bool {
	for _, f := range filters {
		if !f.Allow(loggerName) {
			return false
		}
	}
	return true
}
