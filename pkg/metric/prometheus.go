// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"fmt"
	"io"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// namespace prefixes every exported metric name.
const namespace = "vmcore"

// PrometheusName converts a metric name such as "/mm/page_faults" to its
// Prometheus form "vmcore_mm_page_faults".
func PrometheusName(name string) string {
	return namespace + strings.ReplaceAll(name, "/", "_")
}

// families builds one counter family per registered metric.
func families() []*dto.MetricFamily {
	byName := make(map[string]*dto.MetricFamily)
	var order []string
	for _, s := range Values() {
		mf, ok := byName[s.Name]
		if !ok {
			allMetrics.mu.Lock()
			desc := allMetrics.metrics[s.Name].description
			allMetrics.mu.Unlock()
			mf = &dto.MetricFamily{
				Name: proto.String(PrometheusName(s.Name)),
				Help: proto.String(desc),
				Type: dto.MetricType_COUNTER.Enum(),
			}
			byName[s.Name] = mf
			order = append(order, s.Name)
		}
		m := &dto.Metric{
			Counter: &dto.Counter{Value: proto.Float64(float64(s.Value))},
		}
		keys := make([]string, 0, len(s.Fields))
		for k := range s.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			m.Label = append(m.Label, &dto.LabelPair{
				Name:  proto.String(k),
				Value: proto.String(s.Fields[k]),
			})
		}
		mf.Metric = append(mf.Metric, m)
	}
	out := make([]*dto.MetricFamily, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer) error {
	for _, mf := range families() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
