package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Control   ControlConfig   `mapstructure:"control"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Log       LogConfig       `mapstructure:"log"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	System    SystemConfig    `mapstructure:"system"`
}

// ServerConfig 调试HTTP接口配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SerialConfig 串口配置，Actor与Arm各自独立
type SerialConfig struct {
	Actor PeerLinkConfig `mapstructure:"actor"`
	Arm   PeerLinkConfig `mapstructure:"arm"`
}

// PeerLinkConfig 单个外设串口链路的配置
type PeerLinkConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MockMode         bool          `mapstructure:"mock_mode"` // 调试模式（不打开真实串口）
	Port             string        `mapstructure:"port"`
	BaudRate         int           `mapstructure:"baud_rate"`
	DataBits         int           `mapstructure:"data_bits"`
	StopBits         int           `mapstructure:"stop_bits"`
	Parity           string        `mapstructure:"parity"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	AckTimeout       time.Duration `mapstructure:"ack_timeout"`
	AutoDetect       bool          `mapstructure:"auto_detect"`
	AutoDetectGlob   string        `mapstructure:"auto_detect_glob"`
}

// ControlConfig 控制状态机与调度器可调参数
type ControlConfig struct {
	ActorStatusPeriod  time.Duration `mapstructure:"actor_status_period"`
	ArmStatusPeriod    time.Duration `mapstructure:"arm_status_period"`
	ScanOnlyTimeout    time.Duration `mapstructure:"scan_only_timeout"`
	MoveOnlyCountdown  time.Duration `mapstructure:"move_only_countdown"`
	CommandResendLimit int          `mapstructure:"command_resend_limit"`
	ResendIdleInterval time.Duration `mapstructure:"resend_idle_interval"`
	CenterBandLow      float64       `mapstructure:"center_band_low"`
	CenterBandHigh     float64       `mapstructure:"center_band_high"`
	ObstacleNearCM     int           `mapstructure:"obstacle_near_cm"`
	BusCapacity        int           `mapstructure:"bus_capacity"`
	BusBackpressure    time.Duration `mapstructure:"bus_backpressure"`
}

// MQTTConfig 遥测发布配置
type MQTTConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Broker               string        `mapstructure:"broker"`
	ClientID             string        `mapstructure:"client_id"`
	Username             string        `mapstructure:"username"`
	Password             string        `mapstructure:"password"`
	QoS                  byte          `mapstructure:"qos"`
	Retained             bool          `mapstructure:"retained"`
	CleanSession         bool          `mapstructure:"clean_session"`
	AutoReconnect        bool          `mapstructure:"auto_reconnect"`
	MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval"`
	KeepAlive            time.Duration `mapstructure:"keep_alive"`
	PingTimeout          time.Duration `mapstructure:"ping_timeout"`
	Topics               MQTTTopics    `mapstructure:"topics"`
}

// MQTTTopics MQTT主题配置
type MQTTTopics struct {
	Transition string `mapstructure:"transition"`
	PickDone   string `mapstructure:"pick_done"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// MonitorConfig 监控配置
type MonitorConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	MetricsInterval     time.Duration `mapstructure:"metrics_interval"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	Timezone string `mapstructure:"timezone"`
	MaxProcs int    `mapstructure:"max_procs"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()

		// 设置配置文件路径
		if configPath != "" {
			v.SetConfigFile(configPath)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath("./config")
			v.AddConfigPath(".")
		}

		// 设置环境变量前缀
		v.SetEnvPrefix("EGGBOT")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		// 设置默认值
		setDefaults(v)

		// 读取配置文件
		if err = v.ReadInConfig(); err != nil {
			// 如果配置文件不存在，使用默认配置
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return
			}
		}

		// 解析配置到结构体
		cfg = &Config{}
		if err = v.Unmarshal(cfg); err != nil {
			return
		}

		if validateErr := validate(cfg); validateErr != nil {
			err = validateErr
			return
		}

		// 替换MQTT主题中的变量
		replaceMQTTTopics()
	})

	return err
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 调试HTTP接口默认配置
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "5s")
	v.SetDefault("server.write_timeout", "5s")
	v.SetDefault("server.shutdown_timeout", "5s")

	// Actor串口默认配置
	v.SetDefault("serial.actor.enabled", true)
	v.SetDefault("serial.actor.port", "/dev/ttyACM0")
	v.SetDefault("serial.actor.baud_rate", 115200)
	v.SetDefault("serial.actor.data_bits", 8)
	v.SetDefault("serial.actor.stop_bits", 1)
	v.SetDefault("serial.actor.parity", "none")
	v.SetDefault("serial.actor.read_timeout", "500ms")
	v.SetDefault("serial.actor.write_timeout", "500ms")
	v.SetDefault("serial.actor.reconnect_initial", "5s")
	v.SetDefault("serial.actor.reconnect_max", "10s")
	v.SetDefault("serial.actor.ack_timeout", "5s")
	v.SetDefault("serial.actor.auto_detect", false)
	v.SetDefault("serial.actor.auto_detect_glob", "/dev/ttyACM*")

	// Arm串口默认配置
	v.SetDefault("serial.arm.enabled", true)
	v.SetDefault("serial.arm.port", "/dev/ttyACM1")
	v.SetDefault("serial.arm.baud_rate", 115200)
	v.SetDefault("serial.arm.data_bits", 8)
	v.SetDefault("serial.arm.stop_bits", 1)
	v.SetDefault("serial.arm.parity", "none")
	v.SetDefault("serial.arm.read_timeout", "500ms")
	v.SetDefault("serial.arm.write_timeout", "500ms")
	v.SetDefault("serial.arm.reconnect_initial", "5s")
	v.SetDefault("serial.arm.reconnect_max", "10s")
	v.SetDefault("serial.arm.ack_timeout", "5s")
	v.SetDefault("serial.arm.auto_detect", false)
	v.SetDefault("serial.arm.auto_detect_glob", "/dev/ttyACM*")

	// 控制状态机默认配置
	v.SetDefault("control.actor_status_period", "1s")
	v.SetDefault("control.arm_status_period", "1s")
	v.SetDefault("control.scan_only_timeout", "5s")
	v.SetDefault("control.move_only_countdown", "5s")
	v.SetDefault("control.command_resend_limit", 3)
	v.SetDefault("control.resend_idle_interval", "1s")
	v.SetDefault("control.center_band_low", 0.25)
	v.SetDefault("control.center_band_high", 0.75)
	v.SetDefault("control.obstacle_near_cm", 30)
	v.SetDefault("control.bus_capacity", 256)
	v.SetDefault("control.bus_backpressure", "2s")

	// MQTT默认配置（默认关闭）
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "egg-collector")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.retained", false)
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.auto_reconnect", true)
	v.SetDefault("mqtt.max_reconnect_interval", "10s")
	v.SetDefault("mqtt.keep_alive", "60s")
	v.SetDefault("mqtt.ping_timeout", "10s")
	v.SetDefault("mqtt.topics.transition", "eggbot/{client_id}/transition")
	v.SetDefault("mqtt.topics.pick_done", "eggbot/{client_id}/pick")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "both")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "egg-collector.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)

	// 监控默认配置
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.metrics_interval", "10s")
	v.SetDefault("monitor.health_check_interval", "5s")

	// 系统默认配置
	v.SetDefault("system.timezone", "UTC")
	v.SetDefault("system.max_procs", 0)
}

// validate 校验启动必须的配置项，对应 FatalConfigError
func validate(c *Config) error {
	if c.Serial.Actor.Enabled && c.Serial.Actor.Port == "" && !c.Serial.Actor.AutoDetect {
		return fmt.Errorf("config: serial.actor.port is required when auto_detect is disabled")
	}
	if c.Serial.Arm.Enabled && c.Serial.Arm.Port == "" && !c.Serial.Arm.AutoDetect {
		return fmt.Errorf("config: serial.arm.port is required when auto_detect is disabled")
	}
	if c.Control.ScanOnlyTimeout <= 0 {
		return fmt.Errorf("config: control.scan_only_timeout must be positive")
	}
	if c.Control.MoveOnlyCountdown <= 0 {
		return fmt.Errorf("config: control.move_only_countdown must be positive")
	}
	if c.Control.CenterBandLow < 0 || c.Control.CenterBandHigh > 1 || c.Control.CenterBandLow > c.Control.CenterBandHigh {
		return fmt.Errorf("config: control.center_band_low/high must satisfy 0 <= low <= high <= 1")
	}
	return nil
}

// replaceMQTTTopics 替换MQTT主题中的变量
func replaceMQTTTopics() {
	if cfg == nil || !cfg.MQTT.Enabled {
		return
	}

	clientID := cfg.MQTT.ClientID
	cfg.MQTT.Topics.Transition = strings.ReplaceAll(cfg.MQTT.Topics.Transition, "{client_id}", clientID)
	cfg.MQTT.Topics.PickDone = strings.ReplaceAll(cfg.MQTT.Topics.PickDone, "{client_id}", clientID)
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化：重新解析并校验后替换全局配置，再调用callback；
// 哪些配置项实时生效由callback决定
func Watch(callback func(*Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}

		if err := validate(newCfg); err != nil {
			fmt.Printf("配置重载被拒绝: %v\n", err)
			return
		}

		mu.Lock()
		cfg = newCfg
		replaceMQTTTopics()
		mu.Unlock()

		// callback在释放锁之后调用，回调内可以安全地调用Get
		if callback != nil {
			callback(newCfg)
		}

		fmt.Println("配置已重新加载")
	})
}

// GetString 获取字符串配置
func GetString(key string) string {
	return v.GetString(key)
}

// GetInt 获取整数配置
func GetInt(key string) int {
	return v.GetInt(key)
}

// GetBool 获取布尔配置
func GetBool(key string) bool {
	return v.GetBool(key)
}

// GetFloat64 获取浮点数配置
func GetFloat64(key string) float64 {
	return v.GetFloat64(key)
}

// GetDuration 获取时间间隔配置
func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// IsSet 检查配置项是否存在
func IsSet(key string) bool {
	return v.IsSet(key)
}

// Set 动态设置配置值
func Set(key string, value interface{}) {
	v.Set(key, value)
}
