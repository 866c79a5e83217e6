package engine

import (
	"fmt"
	"strings"

	"github.com/wxkj99/na-quiz/internal/model"
)

// promptPreamble instructs the model to echo the per-question delimiter
// so the response can be split back into per-question verdicts.
const promptPreamble = `你是数值分析老师，正在批改作业。注意：题目中可能有填空框，学生答案是填入空缺处的内容，题目中已印出的部分不需要学生重复填写，批改时请结合题目上下文判断学生答案是否正确。对每题输出一行，必须以 ===题N=== 开头（N为题号），然后给出批改：正确给【✓】（若有值得补充的要点可加一句，否则只输出【✓】）；部分正确给【△】并指出缺失点；错误给【✗】并直接给出正确思路。数学含义正确即为正确，忽略符号写法差异。批改标准从宽：这是学生自测练习，思路方向正确即视为正确，仅在缺失核心关键步骤时给【△】，不扣细节表述和符号规范。`

// BuildPrompt serializes the selected questions into one numbered
// grading request. Reference answers are included only when sendAnswer
// is set and the question has one.
func BuildPrompt(questions []model.Question, sendAnswer bool) string {
	var sb strings.Builder
	sb.WriteString(promptPreamble)
	sb.WriteString("\n\n")
	for i, q := range questions {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "===题%d===\n题目：%s\n学生答案：%s", i+1, q.Text, strings.Join(q.Inputs, " | "))
		if sendAnswer && q.Answer != "" {
			sb.WriteString("\n参考答案：" + q.Answer)
		}
	}
	return sb.String()
}
