package prompt

import (
	"path/filepath"
	"strings"
)

const (
	// FallbackSystem 在找不到 system_default.txt 时使用。
	FallbackSystem = "You are a helpful assistant."
	// FallbackJSONContract 在找不到 system_json_contract.txt 时使用。
	FallbackJSONContract = "Return a valid JSON object only."

	systemDefaultFile = "system_default.txt"
	jsonContractFile  = "system_json_contract.txt"
)

// Defaults 保存默认系统提示词和 JSON 约定文本。
type Defaults struct {
	System       string
	JSONContract string
	// AppendContract 为 true 时，return_json 的调用会在系统提示词后追加 JSON 约定。
	AppendContract bool
}

// LoadDefaults 从 dir 读取默认提示词文件，缺失或为空时退回内置文本。
func LoadDefaults(dir string, appendContract bool) Defaults {
	return Defaults{
		System:         readOr(filepath.Join(dir, systemDefaultFile), FallbackSystem),
		JSONContract:   readOr(filepath.Join(dir, jsonContractFile), FallbackJSONContract),
		AppendContract: appendContract,
	}
}

func readOr(path, fallback string) string {
	text, err := readFile(path)
	if err != nil {
		return fallback
	}
	if text = strings.TrimSpace(text); text == "" {
		return fallback
	}
	return text
}

// SystemText 计算最终的系统消息：空白时使用默认值，必要时追加 JSON 约定。
func (d Defaults) SystemText(resolved string, returnJSON bool) string {
	system := resolved
	if strings.TrimSpace(system) == "" {
		system = d.System
		if system == "" {
			system = FallbackSystem
		}
	}
	if returnJSON && d.AppendContract {
		contract := d.JSONContract
		if contract == "" {
			contract = FallbackJSONContract
		}
		system = strings.TrimRight(system, "\n") + "\n\n" + contract
	}
	return system
}
