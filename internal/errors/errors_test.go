package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"
)

// ErrorsTestSuite 错误包测试套件
type ErrorsTestSuite struct {
	suite.Suite
}

// 测试创建新错误
func (suite *ErrorsTestSuite) TestNew() {
	// 测试基本错误创建
	err := New(ErrInvalidParam)
	suite.NotNil(err)
	suite.Equal(ErrInvalidParam, err.Code)
	suite.Equal("无效的参数", err.Message)
	suite.Empty(err.Details)

	// 测试带详情的错误
	err = New(ErrNotFound, "定时器不存在")
	suite.NotNil(err)
	suite.Equal(ErrNotFound, err.Code)
	suite.Equal("资源未找到", err.Message)
	suite.Equal("定时器不存在", err.Details)

	// 测试多个详情
	err = New(ErrLinkPortOpen, "打开失败", "设备: /dev/ttyACM0", "波特率: 115200")
	suite.Equal("打开失败; 设备: /dev/ttyACM0; 波特率: 115200", err.Details)
}

// 测试格式化错误创建
func (suite *ErrorsTestSuite) TestNewf() {
	err := Newf(ErrInvalidParam, "参数 %s 的值 %d 无效", "length", -1)
	suite.NotNil(err)
	suite.Equal(ErrInvalidParam, err.Code)
	suite.Equal("参数 length 的值 -1 无效", err.Details)
}

// 测试错误包装
func (suite *ErrorsTestSuite) TestWrap() {
	// 包装标准错误
	originalErr := errors.New("原始错误")
	wrappedErr := Wrap(originalErr, ErrLinkReadFailed)
	suite.NotNil(wrappedErr)
	suite.Equal(ErrLinkReadFailed, wrappedErr.Code)
	suite.Equal("原始错误", wrappedErr.Details)
	suite.Equal(originalErr, wrappedErr.Cause)

	// 包装nil错误
	nilErr := Wrap(nil, ErrUnknown)
	suite.Nil(nilErr)

	// 包装已有的AppError
	appErr := New(ErrNotFound, "资源不存在")
	wrappedAppErr := Wrap(appErr, ErrInvalidParam, "额外信息")
	suite.Equal(ErrNotFound, wrappedAppErr.Code) // 保留原始错误码
	suite.Contains(wrappedAppErr.Details, "额外信息")
}

// 测试格式化错误包装
func (suite *ErrorsTestSuite) TestWrapf() {
	originalErr := errors.New("连接超时")
	wrappedErr := Wrapf(originalErr, ErrLinkPortOpen, "串口 %s 打开失败", "/dev/ttyACM1")
	suite.NotNil(wrappedErr)
	suite.Equal(ErrLinkPortOpen, wrappedErr.Code)
	suite.Equal("串口 /dev/ttyACM1 打开失败", wrappedErr.Details)
	suite.Equal(originalErr, wrappedErr.Cause)
}

// 测试错误码判断
func (suite *ErrorsTestSuite) TestIs() {
	err := New(ErrBusClosed)
	suite.True(Is(err, ErrBusClosed))
	suite.False(Is(err, ErrNotFound))
	suite.False(Is(nil, ErrBusClosed))

	// 测试标准错误
	standardErr := errors.New("标准错误")
	suite.False(Is(standardErr, ErrUnknown))
}

// 测试获取错误码
func (suite *ErrorsTestSuite) TestGetCode() {
	// AppError
	appErr := New(ErrCommandTimeout)
	suite.Equal(ErrCommandTimeout, GetCode(appErr))

	// 标准错误
	standardErr := errors.New("标准错误")
	suite.Equal(ErrUnknown, GetCode(standardErr))

	// nil错误
	suite.Equal(ErrorCode(0), GetCode(nil))
}

// 测试错误消息
func (suite *ErrorsTestSuite) TestError() {
	// 只有消息
	err := &AppError{
		Code:    ErrNotFound,
		Message: "资源未找到",
	}
	suite.Equal("[1002] 资源未找到", err.Error())

	// 有详情
	err.Details = "定时器ID: scan_timeout"
	suite.Equal("[1002] 资源未找到: 定时器ID: scan_timeout", err.Error())
}

// 测试Unwrap
func (suite *ErrorsTestSuite) TestUnwrap() {
	originalErr := errors.New("原始错误")
	wrappedErr := Wrap(originalErr, ErrUnknown)
	suite.Equal(originalErr, wrappedErr.Unwrap())

	// 没有原因的错误
	err := New(ErrUnknown)
	suite.Nil(err.Unwrap())
}

// 测试WithDetails
func (suite *ErrorsTestSuite) TestWithDetails() {
	err := New(ErrInvalidParam)
	err.WithDetails("参数不能为空")
	suite.Equal("参数不能为空", err.Details)
}

// 测试WithCause
func (suite *ErrorsTestSuite) TestWithCause() {
	err := New(ErrCodecMalformed)
	cause := errors.New("帧头不匹配")
	err.WithCause(cause)
	suite.Equal(cause, err.Cause)
	suite.Equal("帧头不匹配", err.Details)

	// 已有Details的情况
	err2 := New(ErrCodecMalformed, "解析失败")
	err2.WithCause(cause)
	suite.Equal(cause, err2.Cause)
	suite.Equal("解析失败", err2.Details) // 保留原有Details
}

// 测试HTTP状态码映射
func (suite *ErrorsTestSuite) TestHTTPStatus() {
	testCases := []struct {
		code     ErrorCode
		expected int
	}{
		{ErrInvalidParam, 400},
		{ErrNotFound, 404},
		{ErrTimeout, 408},
		{ErrCommandTimeout, 408},
		{ErrLinkPortOpen, 503},
		{ErrConfigLoad, 500},
		{ErrUnknown, 500},
	}

	for _, tc := range testCases {
		err := New(tc.code)
		suite.Equal(tc.expected, err.HTTPStatus(), "错误码 %d 应该返回HTTP状态码 %d", tc.code, tc.expected)
	}
}

// 测试可重试判断
func (suite *ErrorsTestSuite) TestIsRetryable() {
	retryableErrors := []ErrorCode{
		ErrTimeout,
		ErrCommandTimeout,
		ErrLinkDisconnected,
		ErrLinkNotConnected,
		ErrLinkReadFailed,
		ErrLinkWriteFailed,
	}

	for _, code := range retryableErrors {
		err := New(code)
		suite.True(IsRetryable(err), "错误码 %d 应该是可重试的", code)
	}

	// 不可重试的错误
	nonRetryableErrors := []ErrorCode{
		ErrInvalidParam,
		ErrNotFound,
		ErrCodecMalformed,
	}

	for _, code := range nonRetryableErrors {
		err := New(code)
		suite.False(IsRetryable(err), "错误码 %d 不应该是可重试的", code)
	}

	// nil错误
	suite.False(IsRetryable(nil))
}

// 测试严重错误判断
func (suite *ErrorsTestSuite) TestIsCritical() {
	criticalErrors := []ErrorCode{
		ErrLinkPortOpen,
		ErrConfigLoad,
		ErrConfigMissing,
		ErrConfigValidate,
	}

	for _, code := range criticalErrors {
		err := New(code)
		suite.True(IsCritical(err), "错误码 %d 应该是严重错误", code)
	}

	// 非严重错误
	nonCriticalErrors := []ErrorCode{
		ErrInvalidParam,
		ErrNotFound,
		ErrTimeout,
	}

	for _, code := range nonCriticalErrors {
		err := New(code)
		suite.False(IsCritical(err), "错误码 %d 不应该是严重错误", code)
	}

	// nil错误
	suite.False(IsCritical(nil))
}

// 测试调用栈捕获
func (suite *ErrorsTestSuite) TestStackCapture() {
	err := New(ErrUnknown)
	suite.NotNil(err.Stack)
	suite.Greater(len(err.Stack), 0)

	// 获取格式化的调用栈
	stackStr := err.GetStack()
	suite.NotEmpty(stackStr)
	// 栈信息可能不包含测试方法名，只验证不为空即可
}

// 测试错误响应
func (suite *ErrorsTestSuite) TestErrorResponse() {
	err := New(ErrNotFound, "外设不存在")
	response := NewErrorResponse(err, "req-123")

	suite.False(response.Success)
	suite.Equal(err, response.Error)
	suite.Equal("req-123", response.RequestID)
	suite.Greater(response.Timestamp, int64(0))
}

// 测试未知错误码
func (suite *ErrorsTestSuite) TestUnknownErrorCode() {
	// 使用未定义的错误码
	err := New(ErrorCode(99999))
	suite.Equal(ErrorCode(99999), err.Code)
	suite.Equal("未知错误", err.Message) // 应该使用默认消息
}

// 测试帧编解码相关错误
func (suite *ErrorsTestSuite) TestCodecErrors() {
	codecErrors := map[ErrorCode]string{
		ErrCodecMalformed:   "帧格式错误",
		ErrCodecChecksum:    "校验和不匹配",
		ErrCodecPayloadSize: "负载长度超出限制",
		ErrCodecUnknownType: "未知的数据类型",
	}

	for code, expectedMsg := range codecErrors {
		err := New(code)
		suite.Equal(expectedMsg, err.Message)
	}
}

// 测试串口链路相关错误
func (suite *ErrorsTestSuite) TestLinkErrors() {
	linkErrors := map[ErrorCode]string{
		ErrLinkPortOpen:     "串口打开失败",
		ErrLinkWriteFailed:  "串口写入失败",
		ErrLinkReadFailed:   "串口读取失败",
		ErrLinkDisconnected: "串口链路已断开",
		ErrLinkNotConnected: "串口链路未连接",
	}

	for code, expectedMsg := range linkErrors {
		err := New(code)
		suite.Equal(expectedMsg, err.Message)
	}
}

// 测试指令调度相关错误
func (suite *ErrorsTestSuite) TestCommandErrors() {
	commandErrors := map[ErrorCode]string{
		ErrCommandTimeout:     "指令确认超时",
		ErrCommandInFlight:    "该外设已有指令在途",
		ErrCommandResendLimit: "指令重发次数已用尽",
	}

	for code, expectedMsg := range commandErrors {
		err := New(code)
		suite.Equal(expectedMsg, err.Message)
	}
}

// 测试事件总线相关错误
func (suite *ErrorsTestSuite) TestBusErrors() {
	busErrors := map[ErrorCode]string{
		ErrBusOverflow: "事件总线已满，事件被丢弃",
		ErrBusClosed:   "事件总线已关闭",
	}

	for code, expectedMsg := range busErrors {
		err := New(code)
		suite.Equal(expectedMsg, err.Message)
	}
}

// 测试控制状态机相关错误
func (suite *ErrorsTestSuite) TestControlErrors() {
	controlErrors := map[ErrorCode]string{
		ErrControlInvalidEvent: "当前状态不接受该事件",
		ErrControlStateError:   "控制状态异常",
	}

	for code, expectedMsg := range controlErrors {
		err := New(code)
		suite.Equal(expectedMsg, err.Message)
	}
}

// 测试配置相关错误
func (suite *ErrorsTestSuite) TestConfigErrors() {
	configErrors := map[ErrorCode]string{
		ErrConfigLoad:     "配置加载失败",
		ErrConfigParse:    "配置解析失败",
		ErrConfigValidate: "配置验证失败",
		ErrConfigMissing:  "配置项缺失",
	}

	for code, expectedMsg := range configErrors {
		err := New(code)
		suite.Equal(expectedMsg, err.Message)
	}
}

// 测试遥测相关错误
func (suite *ErrorsTestSuite) TestTelemetryErrors() {
	telemetryErrors := map[ErrorCode]string{
		ErrTelemetryConnect: "MQTT连接失败",
		ErrTelemetryPublish: "MQTT发布失败",
	}

	for code, expectedMsg := range telemetryErrors {
		err := New(code)
		suite.Equal(expectedMsg, err.Message)
	}
}

func TestErrorsSuite(t *testing.T) {
	suite.Run(t, new(ErrorsTestSuite))
}
