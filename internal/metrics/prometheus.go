package metrics

import (
	"sort"
	"strconv"
)

func appendHeader(b []byte, name, help, typ string) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, "\n# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	return append(b, '\n')
}

func appendCounter(b []byte, name, help string, v int64) []byte {
	b = appendHeader(b, name, help, "counter")
	return appendMetric(b, name, float64(v))
}

func appendHistogram(b []byte, name, help string, h *histogram) []byte {
	b = appendHeader(b, name, help, "histogram")
	var cumulative int64
	for i, label := range latencyLabels {
		cumulative += h.buckets[i].Load()
		b = appendMetricWithLabel(b, name+"_bucket", "le", label, float64(cumulative))
	}
	b = appendMetric(b, name+"_sum", float64(h.sum.Load())/1e6)
	return appendMetric(b, name+"_count", float64(h.count.Load()))
}

func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'g', -1, 64)
	return append(b, '\n')
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=')
	b = strconv.AppendQuote(b, labelValue)
	b = append(b, '}', ' ')
	b = strconv.AppendFloat(b, value, 'g', -1, 64)
	return append(b, '\n')
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
