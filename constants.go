package notary

const (
	Env_AwsEndpoint = "AWS_ENDPOINT"
	Env_AwsRegion   = "AWS_REGION"
	Env_Env         = "ENV"
	Env_LogLevel    = "LOG_LEVEL"
)
