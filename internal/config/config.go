// internal/config/config.go
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config 存储应用配置
type Config struct {
	Port           string
	DataDir        string
	LogDir         string
	RoutingFile    string
	DebugMode      bool
	MaxBatchSize   int
	LLMProvider    string
	LLMAPIKey      string
	LLMEndpoint    string
	LLMModel       string
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	config := &Config{
		Port:         getEnv("PORT", "8080"),
		DataDir:      getEnvPath("DATA_DIR", "data"),
		LogDir:       getEnvPath("LOG_DIR", "logs"),
		RoutingFile:  getEnv("LLM_ROUTING_FILE", "config/llm-routing.json"),
		DebugMode:    getEnvBool("DEBUG_MODE", true),
		MaxBatchSize: getEnvInt("AUTHORING_MAX_BATCH", 8),
		LLMProvider:  getEnv("LLM_PROVIDER", "openai"),
		LLMAPIKey:    getEnv("LLM_API_KEY", ""),
		LLMEndpoint:  getEnv("LLM_ENDPOINT", "https://api.openai.com/v1/chat/completions"),
		LLMModel:     getEnv("LLM_MODEL", "gpt-4"),
	}

	if config.LLMAPIKey == "" {
		// 只记录警告，不返回错误：调用方可以通过临时配置提供密钥
		log.Println("警告: 未设置LLM API密钥，需要路由配置文件或会话级临时配置才能使用生成功能")
	}

	return config, nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，如果不存在则返回默认值
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	// 确保目录存在
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// getEnvInt 获取整数类型环境变量
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return defaultValue
	}
	return parsed
}
